package plan

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogCoverage(t *testing.T) {
	catalog := DefaultCatalog()
	for program := range validPrograms {
		for slot := 1; slot <= MaxSlot(program); slot++ {
			price, err := catalog.Price(program, slot)
			if err != nil {
				t.Fatalf("price %s slot %d: %v", program, slot, err)
			}
			if price.Sign() <= 0 {
				t.Fatalf("price %s slot %d not positive: %s", program, slot, price)
			}
		}
		if _, err := catalog.Price(program, MaxSlot(program)+1); err == nil {
			t.Fatalf("%s: expected error past max slot", program)
		}
	}
	// Doubling ladder: slot 4 of binary is 5 * 2^3.
	price, err := catalog.Price(ProgramBinary, 4)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("binary slot 4 price = %s, want 40", price)
	}
}

func TestCatalogPriceIsCopied(t *testing.T) {
	catalog := DefaultCatalog()
	first, err := catalog.Price(ProgramGlobal, 1)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	first.SetInt64(1)
	second, err := catalog.Price(ProgramGlobal, 1)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if second.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("catalog price mutated through returned value: %s", second)
	}
}

func TestNewStaticCatalogValidation(t *testing.T) {
	valid := CatalogEntry{Program: ProgramBinary, Slot: 1, Name: "starter", Price: big.NewInt(5)}
	cases := []struct {
		name    string
		entries []CatalogEntry
	}{
		{"unknown program", []CatalogEntry{{Program: "ternary", Slot: 1, Price: big.NewInt(5)}}},
		{"slot out of range", []CatalogEntry{{Program: ProgramBinary, Slot: 13, Price: big.NewInt(5)}}},
		{"zero price", []CatalogEntry{{Program: ProgramBinary, Slot: 1, Price: big.NewInt(0)}}},
		{"nil price", []CatalogEntry{{Program: ProgramBinary, Slot: 1}}},
		{"duplicate", []CatalogEntry{valid, valid}},
	}
	for _, tc := range cases {
		if _, err := NewStaticCatalog(tc.entries); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	seed := `- program: binary
  slot: 1
  name: starter
  price: "5"
- program: binary
  slot: 2
  name: builder
  price: "10"
- program: global
  slot: 1
  name: orbit-1
  price: "25"
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	price, err := catalog.Price(ProgramBinary, 2)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("binary slot 2 price = %s, want 10", price)
	}
	name, err := catalog.Name(ProgramGlobal, 1)
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if name != "orbit-1" {
		t.Fatalf("global slot 1 name = %q", name)
	}
	// Partial coverage: missing slots surface ErrSlotUnknown.
	if _, err := catalog.Price(ProgramMatrix, 1); !errors.Is(err, ErrSlotUnknown) {
		t.Fatalf("expected ErrSlotUnknown, got %v", err)
	}
}

func TestLoadCatalogRejectsBadPrice(t *testing.T) {
	seed := "- program: binary\n  slot: 1\n  price: \"five\"\n"
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatalf("expected error for non-numeric price")
	}
}

package plan

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrSlotUnknown indicates that the catalog has no entry for the requested
// program/slot pair. Progression treats this as a configuration fault and
// aborts the transition without touching state.
var ErrSlotUnknown = errors.New("plan: slot not in catalog")

// CatalogEntry prices and names one slot of a program ladder.
type CatalogEntry struct {
	Program Program
	Slot    int
	Name    string
	Price   *big.Int
}

// Catalog resolves slot prices for activations, upgrades and promotions.
// Implementations must be safe for concurrent readers.
type Catalog interface {
	// Price returns the activation price of the slot in base units.
	Price(program Program, slot int) (*big.Int, error)
	// Name returns the display name of the slot.
	Name(program Program, slot int) (string, error)
}

// StaticCatalog is an immutable in-memory catalog, built either from the
// embedded defaults or from a YAML seed file at startup.
type StaticCatalog struct {
	entries map[Program]map[int]CatalogEntry
}

// NewStaticCatalog validates and indexes the supplied entries. Prices must be
// positive and slots must fall inside the program's ladder; coverage may be
// partial, in which case lookups for missing slots fail with ErrSlotUnknown.
func NewStaticCatalog(entries []CatalogEntry) (*StaticCatalog, error) {
	indexed := make(map[Program]map[int]CatalogEntry)
	for _, entry := range entries {
		if !entry.Program.Valid() {
			return nil, fmt.Errorf("plan: catalog entry for unknown program %q", entry.Program)
		}
		if entry.Slot < 1 || entry.Slot > MaxSlot(entry.Program) {
			return nil, fmt.Errorf("plan: catalog slot %d out of range for %s", entry.Slot, entry.Program)
		}
		if entry.Price == nil || entry.Price.Sign() <= 0 {
			return nil, fmt.Errorf("plan: catalog price for %s slot %d must be positive", entry.Program, entry.Slot)
		}
		bySlot, ok := indexed[entry.Program]
		if !ok {
			bySlot = make(map[int]CatalogEntry)
			indexed[entry.Program] = bySlot
		}
		if _, exists := bySlot[entry.Slot]; exists {
			return nil, fmt.Errorf("plan: duplicate catalog entry for %s slot %d", entry.Program, entry.Slot)
		}
		entry.Price = new(big.Int).Set(entry.Price)
		bySlot[entry.Slot] = entry
	}
	return &StaticCatalog{entries: indexed}, nil
}

// Price implements Catalog. The returned value is a copy.
func (c *StaticCatalog) Price(program Program, slot int) (*big.Int, error) {
	entry, err := c.lookup(program, slot)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(entry.Price), nil
}

// Name implements Catalog.
func (c *StaticCatalog) Name(program Program, slot int) (string, error) {
	entry, err := c.lookup(program, slot)
	if err != nil {
		return "", err
	}
	return entry.Name, nil
}

func (c *StaticCatalog) lookup(program Program, slot int) (CatalogEntry, error) {
	bySlot, ok := c.entries[program]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("%w: %s slot %d", ErrSlotUnknown, program, slot)
	}
	entry, ok := bySlot[slot]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("%w: %s slot %d", ErrSlotUnknown, program, slot)
	}
	return entry, nil
}

// catalogFile mirrors the YAML representation of a catalog entry.
type catalogFile struct {
	Program string `yaml:"program"`
	Slot    int    `yaml:"slot"`
	Name    string `yaml:"name"`
	Price   string `yaml:"price"`
}

// LoadCatalog reads slot pricing from the provided YAML seed file.
func LoadCatalog(path string) (*StaticCatalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var raw []catalogFile
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	entries := make([]CatalogEntry, 0, len(raw))
	for _, item := range raw {
		program, err := ParseProgram(item.Program)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		price, ok := new(big.Int).SetString(strings.TrimSpace(item.Price), 10)
		if !ok {
			return nil, fmt.Errorf("catalog: invalid price %q for %s slot %d", item.Price, program, item.Slot)
		}
		entries = append(entries, CatalogEntry{
			Program: program,
			Slot:    item.Slot,
			Name:    strings.TrimSpace(item.Name),
			Price:   price,
		})
	}
	return NewStaticCatalog(entries)
}

// basePrices seed the default doubling ladders.
var basePrices = map[Program]int64{
	ProgramBinary: 5,
	ProgramMatrix: 10,
	ProgramGlobal: 25,
}

// DefaultCatalog builds the embedded full-coverage catalog: every program's
// ladder priced by doubling from its base, slot n costing base * 2^(n-1).
func DefaultCatalog() *StaticCatalog {
	var entries []CatalogEntry
	for program, base := range basePrices {
		price := big.NewInt(base)
		for slot := 1; slot <= MaxSlot(program); slot++ {
			entries = append(entries, CatalogEntry{
				Program: program,
				Slot:    slot,
				Name:    fmt.Sprintf("%s-%d", program, slot),
				Price:   new(big.Int).Set(price),
			})
			price = new(big.Int).Lsh(price, 1)
		}
	}
	catalog, err := NewStaticCatalog(entries)
	if err != nil {
		// The embedded table is compile-time data; a failure here is a bug.
		panic(err)
	}
	return catalog
}

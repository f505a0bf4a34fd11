// Package identity defines the participant address format used across the
// placement engine: a 20-byte value rendered bech32 with the "upt"
// human-readable prefix, derived deterministically from the external subject
// identifier so repeated registrations converge on the same address.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// HRP is the bech32 human-readable prefix for participant addresses.
const HRP = "upt"

// AddressLength is the raw payload size in bytes.
const AddressLength = 20

var (
	// ErrEmptySubject rejects registration without an external identifier.
	ErrEmptySubject = errors.New("identity: empty subject")
	// ErrInvalidAddress covers malformed, mis-prefixed or mis-sized input.
	ErrInvalidAddress = errors.New("identity: invalid address")
)

// Address is a participant identifier.
type Address [AddressLength]byte

// FromSubject derives the address for an external subject identifier: the
// trailing 20 bytes of the Keccak-256 digest of the trimmed subject.
func FromSubject(subject string) (Address, error) {
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return Address{}, ErrEmptySubject
	}
	digest := ethcrypto.Keccak256([]byte(trimmed))
	var out Address
	copy(out[:], digest[len(digest)-AddressLength:])
	return out, nil
}

// Parse decodes a bech32 participant address and enforces the "upt" prefix.
func Parse(value string) (Address, error) {
	var out Address
	hrp, data, err := bech32.Decode(strings.TrimSpace(value))
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != HRP {
		return out, fmt.Errorf("%w: unsupported prefix %q", ErrInvalidAddress, hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != AddressLength {
		return out, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(HRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw payload.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

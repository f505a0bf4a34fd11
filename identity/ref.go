package identity

import (
	"encoding/hex"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ActivationRef derives the deterministic reference for one slot activation:
// the 0x-prefixed Keccak-256 digest of the participant, program, slot and
// transaction reference. Replays of the same logical event map to the same
// ref.
func ActivationRef(participant, program string, slot int, txRef string) string {
	digest := ethcrypto.Keccak256(
		[]byte(participant),
		[]byte{0},
		[]byte(program),
		[]byte{0},
		[]byte(strconv.Itoa(slot)),
		[]byte{0},
		[]byte(txRef),
	)
	return "0x" + hex.EncodeToString(digest)
}

// Package bridgeproof derives replay fingerprints for inbound bridge transfers.
package bridgeproof

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Fingerprint identifies one inbound transfer attempt.
type Fingerprint [32]byte

// ErrMalformed indicates a fingerprint string that cannot be decoded.
var ErrMalformed = errors.New("bridgeproof: malformed fingerprint")

// Compute hashes the canonical encoding of the four inputs with Keccak-256.
// Variable length fields are length prefixed so that no two distinct input
// tuples share an encoding.
func Compute(to string, amount *uint256.Int, sourceDomain uint64, proof []byte) Fingerprint {
	h := sha3.NewLegacyKeccak256()
	writeBytes(h, []byte(to))
	if amount == nil {
		amount = new(uint256.Int)
	}
	word := amount.Bytes32()
	_, _ = h.Write(word[:])
	var domain [8]byte
	binary.BigEndian.PutUint64(domain[:], sourceDomain)
	_, _ = h.Write(domain[:])
	writeBytes(h, proof)

	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

// TxHash derives an opaque 0x-prefixed hash from arbitrary parts.
func TxHash(parts ...[]byte) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		writeBytes(h, p)
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func writeBytes(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}

// String renders the fingerprint as 0x-prefixed hex.
func (f Fingerprint) String() string {
	return "0x" + hex.EncodeToString(f[:])
}

// Parse decodes a hex fingerprint with or without 0x prefix.
func Parse(raw string) (Fingerprint, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(raw)), "0x")
	var fp Fingerprint
	if len(raw) != 64 {
		return fp, ErrMalformed
	}
	if _, err := hex.Decode(fp[:], []byte(raw)); err != nil {
		return fp, ErrMalformed
	}
	return fp, nil
}

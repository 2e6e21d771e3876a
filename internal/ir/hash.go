package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainChunk = "lattice/chunk/v1"
	DomainQuery = "lattice/query/v1"
)

// SumWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func SumWithDomain(domain string, data []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)

	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// HashValue returns the hex digest of a value's canonical encoding under
// the given domain.
func HashValue(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash value: %w", err)
	}
	sum := SumWithDomain(domain, canonical)
	return hex.EncodeToString(sum[:]), nil
}

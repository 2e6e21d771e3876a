package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/lattice/internal/ir"
)

// Digest identifies a chunk by the hash of its payload.
// The zero Digest means "no chunk".
type Digest [sha256.Size]byte

// Compute returns the digest of a payload.
func Compute(payload []byte) Digest {
	return Digest(ir.SumWithDomain(ir.DomainChunk, payload))
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs.
func (d Digest) Short() string {
	return d.String()[:12]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a 64 character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// FromBytes converts a raw 32 byte slice into a Digest.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// encodeRefs packs digests back to back.
func encodeRefs(refs []Digest) []byte {
	out := make([]byte, 0, len(refs)*sha256.Size)
	for _, r := range refs {
		out = append(out, r[:]...)
	}
	return out
}

// decodeRefs is the inverse of encodeRefs.
func decodeRefs(b []byte) ([]Digest, error) {
	if len(b)%sha256.Size != 0 {
		return nil, fmt.Errorf("refs: length %d is not a multiple of %d", len(b), sha256.Size)
	}
	refs := make([]Digest, len(b)/sha256.Size)
	for i := range refs {
		copy(refs[i][:], b[i*sha256.Size:])
	}
	return refs, nil
}

// Package paymentid generates the per-hop vectors of payment identifiers
// carried inside the extended-build command (C4).
package paymentid

import (
	"crypto/rand"
	"fmt"
)

// Size is the length in bytes of a single payment identifier.
const Size = 32

// ID is one 32-byte payment identifier.
type ID [Size]byte

// String renders the identifier as lowercase hex, the form the Lightning
// Adapter carries in a payer-note or derives a payment hash from.
func (id ID) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2*Size)
	for i, b := range id {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Generate draws K independent 32-byte uniform random values for one
// hop using a cryptographically strong source. No value is reused
// across circuits: callers must invoke Generate fresh per hop per
// circuit rather than caching a vector.
func Generate(k int) ([]ID, error) {
	if k <= 0 {
		return nil, fmt.Errorf("paymentid: k must be positive, got %d", k)
	}
	ids := make([]ID, k)
	for i := range ids {
		if _, err := rand.Read(ids[i][:]); err != nil {
			return nil, fmt.Errorf("paymentid: crypto/rand: %w", err)
		}
	}
	return ids, nil
}

// GenerateHops produces one K-length vector per hop, for delivery via
// the extended-build command per hop).
func GenerateHops(hops, k int) ([][]ID, error) {
	if hops <= 0 {
		return nil, fmt.Errorf("paymentid: hops must be positive, got %d", hops)
	}
	out := make([][]ID, hops)
	for h := range out {
		ids, err := Generate(k)
		if err != nil {
			return nil, fmt.Errorf("paymentid: hop %d: %w", h, err)
		}
		out[h] = ids
	}
	return out, nil
}

// Concat concatenates a vector's 32-byte values into the single blob the
// extended-build command carries per hop.
func Concat(ids []ID) []byte {
	out := make([]byte, 0, len(ids)*Size)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

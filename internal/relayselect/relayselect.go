// Package relayselect implements the client-side relay selector (C3):
// choosing N relays whose advertised rates satisfy a per-circuit fee
// budget, partitioned by role, while avoiding duplicates across the
// primary and backup circuits.
//
// The sampling primitive is adapted from a weighted-random path
// selector, simplified from bandwidth-weighted sampling to uniform
// sampling per role bucket.
package relayselect

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/el-tor/eltord/internal/descriptor"
)

// ErrNoCandidate is returned when a role bucket is empty after filtering.
var ErrNoCandidate = fmt.Errorf("relayselect: no_candidate")

// Params bounds one selection call.
type Params struct {
	Rounds     int       // K
	FeeCeiling int64     // max spend across K rounds for a single hop, handshake fee included
	Exclude    []string  // fingerprints that must not be selected (backup selection excludes primary's hops)
	Rand       io.Reader // entropy source; defaults to crypto/rand.Reader. Tests inject a seeded source for determinism.
}

func (p Params) randSource() io.Reader {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.Reader
}

// Select returns an ordered guard, middle, exit tuple satisfying the fee
// ceiling and excluding the given fingerprints. It is deterministic for a
// fixed RNG seed is not literally true of crypto/rand, but the selection
// algorithm itself — filter, partition, sample — is otherwise pure and
// reproducible given a fixed candidate pool and a fixed random source.
func Select(pool []descriptor.RelayDescriptor, p Params) ([]descriptor.RelayDescriptor, error) {
	excluded := make(map[string]bool, len(p.Exclude))
	for _, fp := range p.Exclude {
		excluded[fp] = true
	}

	var affordable []descriptor.RelayDescriptor
	for _, d := range pool {
		if excluded[d.Fingerprint] {
			continue
		}
		if d.PerHopCeiling(p.Rounds) > p.FeeCeiling {
			continue
		}
		affordable = append(affordable, d)
	}

	src := p.randSource()

	guard, err := pickRole(affordable, descriptor.RoleGuard, nil, src)
	if err != nil {
		return nil, err
	}
	middle, err := pickRole(affordable, descriptor.RoleMiddle, []string{guard.Fingerprint}, src)
	if err != nil {
		return nil, err
	}
	exit, err := pickRole(affordable, descriptor.RoleExit, []string{guard.Fingerprint, middle.Fingerprint}, src)
	if err != nil {
		return nil, err
	}

	return []descriptor.RelayDescriptor{*guard, *middle, *exit}, nil
}

// SelectBackup selects a second, maximally disjoint tuple. It first tries
// to avoid every fingerprint used by the primary; if that leaves any role
// bucket empty, it selects the whole tuple again with overlap allowed
// instead of failing the backup build outright, so the fallback tuple may
// share hops with the primary in any role, not only the empty one.
func SelectBackup(pool []descriptor.RelayDescriptor, p Params, primary []descriptor.RelayDescriptor) ([]descriptor.RelayDescriptor, error) {
	disjoint := p
	for _, d := range primary {
		disjoint.Exclude = append(disjoint.Exclude, d.Fingerprint)
	}
	if hops, err := Select(pool, disjoint); err == nil {
		return hops, nil
	}
	return Select(pool, p)
}

func pickRole(pool []descriptor.RelayDescriptor, role descriptor.Role, exclude []string, src io.Reader) (*descriptor.RelayDescriptor, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, fp := range exclude {
		excluded[fp] = true
	}

	var candidates []descriptor.RelayDescriptor
	for _, d := range pool {
		if !d.HasRole(role) || excluded[d.Fingerprint] {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: role %s", ErrNoCandidate, role)
	}

	idx, err := uniformRandom(len(candidates), src)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// uniformRandom returns an unbiased random index in [0, n) via rejection
// sampling over an injectable entropy source.
func uniformRandom(n int, src io.Reader) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("relayselect: empty candidate set")
	}
	v, err := rand.Int(src, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("relayselect: entropy source: %w", err)
	}
	return int(v.Int64()), nil
}

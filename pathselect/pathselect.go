// Package pathselect picks an ordered list of live relay addresses from
// the directory for a client circuit to extend through.
package pathselect

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/riftveil/onionmesh/directory"
)

// overfetchFactor asks the directory for more candidates than needed, to
// tolerate a handful turning out to be momentarily unreachable.
const overfetchFactor = 2

// SelectPath fetches live candidates from the directory at directoryAddr
// and returns hops uniformly-sampled, distinct addresses, in the order the
// client should extend through. destination is accepted for symmetry with
// the client circuit builder's signature but does not influence selection.
func SelectPath(ctx context.Context, directoryAddr, destination string, hops int) ([]string, error) {
	if hops <= 0 {
		return nil, fmt.Errorf("pathselect: hops must be positive, got %d", hops)
	}

	candidates, err := directory.GetNodes(ctx, directoryAddr, hops*overfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("pathselect: fetch candidates: %w", err)
	}
	candidates = dedup(candidates)
	if len(candidates) < hops {
		return nil, fmt.Errorf("pathselect: only %d live candidates, need %d", len(candidates), hops)
	}

	path := make([]string, 0, hops)
	for len(path) < hops {
		idx, err := randomIndex(len(candidates))
		if err != nil {
			return nil, fmt.Errorf("pathselect: %w", err)
		}
		path = append(path, candidates[idx])
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	return path, nil
}

func dedup(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func randomIndex(n int) (int, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(idx.Int64()), nil
}

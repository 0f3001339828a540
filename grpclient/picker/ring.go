package picker

import (
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Member is one weighted endpoint going into ring construction. Weight must
// be strictly positive; the balancer filters zero-weight addresses before
// building a ring.
type Member struct {
	Endpoint Endpoint
	Weight   uint32
}

// RingEntry is a single position on the hash ring.
type RingEntry struct {
	Hash     uint64
	Endpoint Endpoint
}

// BuildRing materializes a sorted hash ring over the given members.
//
// The number of hashes per member is scaled so that the least-weighted member
// receives a whole number of positions while the total stays within
// [minRingSize, maxRingSize]. Other members may receive fractional targets;
// the running current/target counters below allocate them near-proportionally
// and deterministically for equal inputs.
//
// Each position hashes the byte sequence "{addr}_{count}" with XXH64 seed 0,
// count starting at 0 per member. The exact byte sequence is an interop
// contract with other ring hash implementations; do not normalize or trim the
// address beyond its canonical form.
func BuildRing(members []Member, minRingSize, maxRingSize uint64) []RingEntry {
	var sum uint64
	for _, m := range members {
		sum += uint64(m.Weight)
	}

	normalized := make([]float64, len(members))
	minNormalized := 1.0
	for i, m := range members {
		normalized[i] = float64(m.Weight) / float64(sum)
		if normalized[i] < minNormalized {
			minNormalized = normalized[i]
		}
	}

	scale := math.Min(
		math.Ceil(minNormalized*float64(minRingSize))/minNormalized,
		float64(maxRingSize),
	)
	ring := make([]RingEntry, 0, uint64(math.Ceil(scale)))

	var (
		currentHashes float64
		targetHashes  float64
		keyBuf        []byte
	)
	for i, m := range members {
		keyBuf = append(keyBuf[:0], m.Endpoint.Addr()...)
		keyBuf = append(keyBuf, '_')
		offset := len(keyBuf)

		targetHashes += scale * normalized[i]
		count := 0
		for currentHashes < targetHashes {
			keyBuf = strconv.AppendInt(keyBuf[:offset], int64(count), 10)
			ring = append(ring, RingEntry{
				Hash:     xxhash.Sum64(keyBuf),
				Endpoint: m.Endpoint,
			})
			count++
			currentHashes++
		}
	}

	// Ties on hash keep insertion order.
	sort.SliceStable(ring, func(a, b int) bool { return ring[a].Hash < ring[b].Hash })
	return ring
}

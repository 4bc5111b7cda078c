// Package allocator deterministically maps (experiment, subject) pairs to
// variants using weighted consistent hashing. Assignment is a pure
// function of its inputs: the same subject lands on the same variant for
// as long as the variant list and weights are unchanged, and salting the
// hash with the experiment id keeps buckets uncorrelated across
// experiments.
package allocator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"splitlab/pkg/experiment"
)

// ladder resolution: weights are percent, buckets are basis points.
const bucketSpace = 10000

// Bucket hashes a salted subject id onto [0, space). SHA-256 gives
// uniform avalanche behavior; the first 8 bytes are enough.
func Bucket(salt, subjectID string, space uint64) uint64 {
	sum := sha256.Sum256([]byte(salt + ":" + subjectID))
	return binary.BigEndian.Uint64(sum[:8]) % space
}

// Admitted reports whether a subject falls inside the experiment's
// traffic allocation percentage. A separate salt keeps the admission
// decision independent of the variant bucket.
func Admitted(experimentID, subjectID string, trafficPercent int) bool {
	if trafficPercent >= 100 {
		return true
	}
	if trafficPercent <= 0 {
		return false
	}
	return Bucket(experimentID+":admit", subjectID, 100) < uint64(trafficPercent)
}

// Assign maps a subject onto the cumulative-weight ladder built from the
// variants. Weights must sum to 100 and the list must be non-empty.
func Assign(experimentID, subjectID string, variants []experiment.Variant) (string, error) {
	if len(variants) == 0 {
		return "", fmt.Errorf("assign: no variants for experiment %s", experimentID)
	}
	total := 0
	for _, v := range variants {
		total += v.Weight
	}
	if total != 100 {
		return "", fmt.Errorf("assign: variant weights sum to %d, want 100", total)
	}

	bucket := Bucket(experimentID, subjectID, bucketSpace)

	cumulative := uint64(0)
	for _, v := range variants {
		cumulative += uint64(v.Weight) * (bucketSpace / 100)
		if bucket < cumulative {
			return v.ID, nil
		}
	}
	// unreachable when weights sum to 100; keep the last arm as backstop
	return variants[len(variants)-1].ID, nil
}

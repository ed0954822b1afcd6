package crawler

import (
	"math/bits"

	"github.com/mfonda/simhash"
)

// NearDuplicateDistance is the maximum Hamming distance between two content
// hashes at which two pages count as the same page.
const NearDuplicateDistance = 3

// ContentHash fingerprints a page summary with a 64-bit simhash. Similar
// summaries produce hashes within a small Hamming distance of each other.
func ContentHash(summary string) uint64 {
	return simhash.Simhash(simhash.NewWordFeatureSet([]byte(summary)))
}

// HammingDistance counts differing bits between two content hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// NearDuplicate reports whether two content hashes are close enough to be
// the same page.
func NearDuplicate(a, b uint64) bool {
	return HammingDistance(a, b) <= NearDuplicateDistance
}

package compaction

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a fixed-size Bloom filter over a set of string keys,
// adapted from the reference storage node's
// internal/storage/sstable/bloom_filter.go. The compactor builds one over
// the keys of a pass's surviving entries; it is consulted only for the
// pass's debug log line, not for deciding which entries survive.
type bloomFilter struct {
	bits      []bool
	size      uint64
	hashCount uint64
}

func newBloomFilter(expectedElements int, falsePositiveRate float64) *bloomFilter {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := optimalSize(expectedElements, falsePositiveRate)
	hashCount := optimalHashCount(size, expectedElements)

	return &bloomFilter{
		bits:      make([]bool, size),
		size:      size,
		hashCount: hashCount,
	}
}

func (b *bloomFilter) Add(key string) {
	h1, h2 := b.hashPair(key)
	for i := uint64(0); i < b.hashCount; i++ {
		idx := (h1 + i*h2) % b.size
		b.bits[idx] = true
	}
}

func (b *bloomFilter) MayContain(key string) bool {
	h1, h2 := b.hashPair(key)
	for i := uint64(0); i < b.hashCount; i++ {
		idx := (h1 + i*h2) % b.size
		if !b.bits[idx] {
			return false
		}
	}
	return true
}

func (b *bloomFilter) hashPair(key string) (uint64, uint64) {
	h := fnv.New64()
	h.Write([]byte(key))
	h1 := h.Sum64()

	h2Hasher := fnv.New64a()
	h2Hasher.Write([]byte(key))
	h2 := h2Hasher.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func optimalSize(n int, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint64(m)
}

func optimalHashCount(m uint64, n int) uint64 {
	k := float64(m) / float64(n) * math.Ln2
	if k < 1 {
		return 1
	}
	return uint64(k)
}

package walletindex

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync/atomic"
)

// bloom is a fixed-size bloom filter with double hashing over FNV-128a.
// Bits are set atomically so Add may run concurrently with mayContain.
type bloom struct {
	bits []atomic.Uint64
	m    uint64
	k    uint64
}

func newBloom(expected int, fpr float64) *bloom {
	if expected <= 0 {
		expected = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.001
	}
	n := float64(expected)
	m := uint64(math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &bloom{bits: make([]atomic.Uint64, (m+63)/64), m: m, k: k}
}

func (b *bloom) add(key string) {
	h1, h2 := bloomHash(key)
	for i := uint64(0); i < b.k; i++ {
		pos := (h1 + i*h2) % b.m
		word := &b.bits[pos/64]
		mask := uint64(1) << (pos % 64)
		for {
			old := word.Load()
			if old&mask != 0 || word.CompareAndSwap(old, old|mask) {
				break
			}
		}
	}
}

// mayContain is false only for keys never added.
func (b *bloom) mayContain(key string) bool {
	h1, h2 := bloomHash(key)
	for i := uint64(0); i < b.k; i++ {
		pos := (h1 + i*h2) % b.m
		if b.bits[pos/64].Load()&(uint64(1)<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func bloomHash(key string) (uint64, uint64) {
	h := fnv.New128a()
	h.Write([]byte(key))
	sum := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

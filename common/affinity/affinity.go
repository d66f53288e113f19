// Package affinity mirrors the server side partition assignment so that a
// client can compute which partition owns a key without asking the cluster.
//
// The hash codes and the partition reduction in this package must match the
// server bit for bit.  Only key types whose server hash contract is known are
// accepted; anything else reports ok == false and callers must not route.
package affinity

import (
	"math"
)

// KeyHash returns the server hash code of key.  Only fixed-width primitive
// types are supported.
func KeyHash(key interface{}) (int32, bool) {
	switch k := key.(type) {
	case bool:
		if k {
			return 1231, true
		}
		return 1237, true
	case int8:
		return int32(k), true
	case int16:
		return int32(k), true
	case uint16:
		// chars hash to their code unit
		return int32(k), true
	case int32:
		return k, true
	case int64:
		return hashInt64(k), true
	case int:
		return hashInt64(int64(k)), true
	case float32:
		return int32(float32Bits(k)), true
	case float64:
		return hashInt64(int64(float64Bits(k))), true
	}

	return 0, false
}

func hashInt64(v int64) int32 {
	return int32(v ^ int64(uint64(v)>>32))
}

// NaN values hash to the canonical NaN bit pattern, matching the server.
func float32Bits(v float32) uint32 {
	if math.IsNaN(float64(v)) {
		return 0x7fc00000
	}
	return math.Float32bits(v)
}

func float64Bits(v float64) uint64 {
	if math.IsNaN(v) {
		return 0x7ff8000000000000
	}
	return math.Float64bits(v)
}

// StringHash computes the server hash of a string over its UTF-16 code units.
func StringHash(s string) int32 {
	var h int32
	for _, r := range s {
		if r >= 0x10000 {
			// characters outside the BMP are two UTF-16 code units
			r -= 0x10000
			h = 31*h + int32(0xd800+(r>>10))
			h = 31*h + int32(0xdc00+(r&0x3ff))
			continue
		}
		h = 31*h + int32(r)
	}
	return h
}

// CacheID derives the numeric identifier the cluster uses for a named cache.
func CacheID(cacheName string) int32 {
	if cacheName == "" {
		return 0
	}

	h := StringHash(cacheName)
	if h == 0 {
		h = 1
	}
	return h
}

// Partition reduces a key hash into [0, partitions) using the rendezvous
// affinity function's reduction.  When partitions is a power of two the high
// bits are folded into the low bits before masking.
func Partition(keyHash int32, partitions int) int {
	if partitions <= 0 {
		return -1
	}

	if partitions&(partitions-1) == 0 {
		h := keyHash ^ int32(uint32(keyHash)>>16)
		return int(h & int32(partitions-1))
	}

	p := keyHash % int32(partitions)
	if p < 0 {
		p = -p
	}
	return int(p)
}

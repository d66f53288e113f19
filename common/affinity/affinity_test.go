package affinity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHashPrimitives(t *testing.T) {
	tests := []struct {
		name string
		key  interface{}
		hash int32
	}{
		{"true", true, 1231},
		{"false", false, 1237},
		{"int8", int8(-5), -5},
		{"int16", int16(300), 300},
		{"char", uint16('A'), 65},
		{"int32", int32(42), 42},
		{"int64 small", int64(42), 42},
		{"int64 negative", int64(-1), 0},
		{"int64 high bits", int64(1) << 32, 1},
		{"int", 7, 7},
		{"float32", float32(1.0), 0x3f800000},
		{"float32 nan", float32(math.NaN()), 0x7fc00000},
		{"float64", 1.0, 0x3ff00000},
		{"float64 nan", math.NaN(), 0x7ff80000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, ok := KeyHash(tt.key)
			assert.True(t, ok)
			assert.Equal(t, tt.hash, hash)
		})
	}
}

func TestKeyHashUnsupported(t *testing.T) {
	for _, key := range []interface{}{"a string", []byte("bytes"), struct{}{}, uint64(1), nil} {
		_, ok := KeyHash(key)
		assert.False(t, ok, "%T should not be routable", key)
	}
}

func TestStringHash(t *testing.T) {
	assert.Equal(t, int32(0), StringHash(""))
	assert.Equal(t, int32(97), StringHash("a"))
	assert.Equal(t, int32(99162322), StringHash("hello"))
	// U+1F600 is the surrogate pair d83d de00
	assert.Equal(t, int32(31*0xd83d+0xde00), StringHash("\U0001F600"))
}

func TestCacheID(t *testing.T) {
	assert.Equal(t, int32(0), CacheID(""))
	assert.Equal(t, StringHash("partitioned"), CacheID("partitioned"))
}

func TestPartitionPowerOfTwo(t *testing.T) {
	assert.Equal(t, 5, Partition(5, 1024))
	// high bits fold into the low bits
	assert.Equal(t, 1, Partition(1<<16, 1024))

	for _, h := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32, 123456789} {
		p := Partition(h, 1024)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 1024)
	}
}

func TestPartitionModulo(t *testing.T) {
	assert.Equal(t, 1, Partition(4, 3))
	assert.Equal(t, 1, Partition(-4, 3))
	assert.Equal(t, 0, Partition(9, 3))

	for _, h := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32} {
		p := Partition(h, 1000)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 1000)
	}
}

func TestPartitionIsDeterministic(t *testing.T) {
	for h := int32(-50); h < 50; h++ {
		assert.Equal(t, Partition(h, 7), Partition(h, 7))
		assert.Equal(t, Partition(h, 8), Partition(h, 8))
	}
}

func TestPartitionNoPartitions(t *testing.T) {
	assert.Equal(t, -1, Partition(1, 0))
}

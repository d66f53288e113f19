package gridproto

import (
	"testing"

	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyVersionOrdering(t *testing.T) {
	v := func(major int64, minor int32) AffinityTopologyVersion {
		return AffinityTopologyVersion{Major: major, Minor: minor}
	}

	assert.Equal(t, 0, v(3, 1).Compare(v(3, 1)))
	assert.Equal(t, -1, v(3, 1).Compare(v(3, 2)))
	assert.Equal(t, +1, v(4, 0).Compare(v(3, 9)))
	assert.Equal(t, -1, v(2, 9).Compare(v(3, 0)))
	assert.True(t, v(1, 0).Less(v(1, 1)))
	assert.False(t, v(1, 1).Less(v(1, 1)))
}

func TestTopologyVersionExtras(t *testing.T) {
	in := AffinityTopologyVersion{Major: 1 << 40, Minor: 7}

	extras := in.AppendExtras(nil)
	require.Len(t, extras, AffinityTopologyVersionSize)

	out, ok := ParseExtras(extras)
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = ParseExtras([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestPartitionsRequestLayout(t *testing.T) {
	req := &PartitionsRequest{CacheIDs: []int32{99}}

	w := binstream.NewWriter()
	req.Encode(w)

	// count followed by each cache id
	assert.Equal(t, []byte{1, 0, 0, 0, 99, 0, 0, 0}, w.Bytes())
}

func TestPartitionsResponseDecode(t *testing.T) {
	nodeA := uuid.New()
	nodeB := uuid.New()

	in := &PartitionsResponse{
		Version: AffinityTopologyVersion{Major: 5, Minor: 2},
		Groups: []PartitionGroup{
			{
				Applicable: true,
				NodePartitions: []NodePartitions{
					{NodeID: nodeA, Partitions: []int32{0, 1}},
					{NodeID: nodeB, Partitions: []int32{2}},
				},
				Caches: []CacheKeyConfigs{
					{CacheID: 10},
					{CacheID: 11, KeyConfigs: []KeyConfig{{KeyTypeID: 4, AffinityKeyFieldID: 8}}},
				},
			},
			{
				Applicable: false,
				Caches:     []CacheKeyConfigs{{CacheID: 12}},
			},
		},
	}

	w := binstream.NewWriter()
	in.Encode(w)

	var out PartitionsResponse
	require.NoError(t, out.Decode(binstream.NewReader(w.Bytes())))

	assert.Equal(t, in.Version, out.Version)
	require.Len(t, out.Groups, 2)
	assert.Equal(t, in.Groups[0].NodePartitions, out.Groups[0].NodePartitions)
	assert.Equal(t, in.Groups[0].Caches, out.Groups[0].Caches)
	assert.False(t, out.Groups[1].Applicable)
	assert.Empty(t, out.Groups[1].NodePartitions)
	assert.Equal(t, int32(12), out.Groups[1].Caches[0].CacheID)
}

func TestPartitionsResponseTruncated(t *testing.T) {
	w := binstream.NewWriter()
	w.WriteInt64(1)
	w.WriteInt32(0)
	w.WriteInt32(3) // claims three groups, carries none

	var out PartitionsResponse
	err := out.Decode(binstream.NewReader(w.Bytes()))
	assert.ErrorIs(t, err, binstream.ErrShortBuffer)
}

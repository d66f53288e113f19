package gridproto

import (
	"github.com/couchbase/gridlink/utils/binstream"
	"github.com/google/uuid"
)

type PartitionsRequest struct {
	CacheIDs []int32
}

func (r *PartitionsRequest) Encode(w *binstream.Writer) {
	w.WriteInt32(int32(len(r.CacheIDs)))
	for _, cacheID := range r.CacheIDs {
		w.WriteInt32(cacheID)
	}
}

func (r *PartitionsRequest) Decode(rd *binstream.Reader) error {
	count := rd.ReadCount()
	r.CacheIDs = nil
	for i := 0; i < count && rd.Err() == nil; i++ {
		r.CacheIDs = append(r.CacheIDs, rd.ReadInt32())
	}
	return rd.Err()
}

// KeyConfig names the field of a key type which carries its affinity key.
type KeyConfig struct {
	KeyTypeID          int32
	AffinityKeyFieldID int32
}

type CacheKeyConfigs struct {
	CacheID    int32
	KeyConfigs []KeyConfig
}

type NodePartitions struct {
	NodeID     uuid.UUID
	Partitions []int32
}

// PartitionGroup is a set of caches which share one partition layout.  When
// Applicable is false the caches use an affinity function the client cannot
// reproduce and carry no partition data.
type PartitionGroup struct {
	Applicable     bool
	NodePartitions []NodePartitions
	Caches         []CacheKeyConfigs
}

type PartitionsResponse struct {
	Version AffinityTopologyVersion
	Groups  []PartitionGroup
}

func (r *PartitionsResponse) Encode(w *binstream.Writer) {
	w.WriteInt64(r.Version.Major)
	w.WriteInt32(r.Version.Minor)
	w.WriteInt32(int32(len(r.Groups)))

	for _, group := range r.Groups {
		w.WriteBool(group.Applicable)

		if group.Applicable {
			w.WriteInt32(int32(len(group.NodePartitions)))
			for _, node := range group.NodePartitions {
				w.WriteUUID(node.NodeID)
				w.WriteInt32(int32(len(node.Partitions)))
				for _, part := range node.Partitions {
					w.WriteInt32(part)
				}
			}
		}

		w.WriteInt32(int32(len(group.Caches)))
		for _, cache := range group.Caches {
			w.WriteInt32(cache.CacheID)

			if group.Applicable {
				w.WriteInt32(int32(len(cache.KeyConfigs)))
				for _, keyCfg := range cache.KeyConfigs {
					w.WriteInt32(keyCfg.KeyTypeID)
					w.WriteInt32(keyCfg.AffinityKeyFieldID)
				}
			}
		}
	}
}

func (r *PartitionsResponse) Decode(rd *binstream.Reader) error {
	r.Version = AffinityTopologyVersion{
		Major: rd.ReadInt64(),
		Minor: rd.ReadInt32(),
	}

	groupCount := rd.ReadCount()
	r.Groups = make([]PartitionGroup, 0, min(groupCount, 64))

	for groupIdx := 0; groupIdx < groupCount && rd.Err() == nil; groupIdx++ {
		var group PartitionGroup
		group.Applicable = rd.ReadBool()

		if group.Applicable {
			nodeCount := rd.ReadCount()
			for nodeIdx := 0; nodeIdx < nodeCount && rd.Err() == nil; nodeIdx++ {
				node := NodePartitions{
					NodeID: rd.ReadUUID(),
				}

				partCount := rd.ReadCount()
				for partIdx := 0; partIdx < partCount && rd.Err() == nil; partIdx++ {
					node.Partitions = append(node.Partitions, rd.ReadInt32())
				}

				group.NodePartitions = append(group.NodePartitions, node)
			}
		}

		cacheCount := rd.ReadCount()
		for cacheIdx := 0; cacheIdx < cacheCount && rd.Err() == nil; cacheIdx++ {
			cache := CacheKeyConfigs{
				CacheID: rd.ReadInt32(),
			}

			if group.Applicable {
				keyCfgCount := rd.ReadCount()
				for keyIdx := 0; keyIdx < keyCfgCount && rd.Err() == nil; keyIdx++ {
					cache.KeyConfigs = append(cache.KeyConfigs, KeyConfig{
						KeyTypeID:          rd.ReadInt32(),
						AffinityKeyFieldID: rd.ReadInt32(),
					})
				}
			}

			group.Caches = append(group.Caches, cache)
		}

		r.Groups = append(r.Groups, group)
	}

	return rd.Err()
}

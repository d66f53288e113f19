package gridproto

import (
	"encoding/binary"
	"fmt"
)

// AffinityTopologyVersionSize is the encoded size of a topology version when it
// is piggybacked in response extras.
const AffinityTopologyVersionSize = 12

// AffinityTopologyVersion is the logical clock of cluster membership and
// partition assignment changes.
type AffinityTopologyVersion struct {
	Major int64
	Minor int32
}

// Compare returns -1, 0 or +1 comparing a to b by major, then minor.
func (a AffinityTopologyVersion) Compare(b AffinityTopologyVersion) int {
	switch {
	case a.Major < b.Major:
		return -1
	case a.Major > b.Major:
		return +1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return +1
	}
	return 0
}

func (a AffinityTopologyVersion) Less(b AffinityTopologyVersion) bool {
	return a.Compare(b) < 0
}

func (a AffinityTopologyVersion) String() string {
	return fmt.Sprintf("%d.%d", a.Major, a.Minor)
}

func (a AffinityTopologyVersion) AppendExtras(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Major))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Minor))
	return buf
}

// ParseExtras decodes a topology change notification.  ok is false when the
// extras do not carry one.
func ParseExtras(extras []byte) (AffinityTopologyVersion, bool) {
	if len(extras) != AffinityTopologyVersionSize {
		return AffinityTopologyVersion{}, false
	}

	return AffinityTopologyVersion{
		Major: int64(binary.LittleEndian.Uint64(extras[0:])),
		Minor: int32(binary.LittleEndian.Uint32(extras[8:])),
	}, true
}

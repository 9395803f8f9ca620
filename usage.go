package bufcache

import (
	"fmt"
	"strings"
)

// Usage is a bitmask describing how a buffer is accessed.
//
// The same vocabulary is used for map requests, for buffer creation and for
// the cache's compatibility filtering. Bits above UsageAll are free for
// backend-specific flags; they take part in compatibility checks like any
// other bit.
type Usage uint32

const (
	// UsageCPURead requests CPU read access.
	UsageCPURead Usage = 1 << iota
	// UsageCPUWrite requests CPU write access.
	UsageCPUWrite
	// UsageGPURead requests GPU read access.
	UsageGPURead
	// UsageGPUWrite requests GPU write access.
	UsageGPUWrite
	// UsageDontBlock makes a map request fail instead of waiting for the GPU.
	UsageDontBlock
	// UsageUnsynchronized maps without any synchronization with the GPU.
	UsageUnsynchronized
	// UsagePersistent keeps a mapping valid while the GPU uses the buffer.
	UsagePersistent
)

// UsageAll is the mask of all generic usage flags.
const UsageAll = UsageCPURead | UsageCPUWrite | UsageGPURead | UsageGPUWrite |
	UsageDontBlock | UsageUnsynchronized | UsagePersistent

// UsageCPUReadWrite is a convenience combination of CPU read and write.
const UsageCPUReadWrite = UsageCPURead | UsageCPUWrite

// UsageGPUReadWrite is a convenience combination of GPU read and write.
const UsageGPUReadWrite = UsageGPURead | UsageGPUWrite

var usageNames = []struct {
	flag Usage
	name string
}{
	{UsageCPURead, "cpu_read"},
	{UsageCPUWrite, "cpu_write"},
	{UsageGPURead, "gpu_read"},
	{UsageGPUWrite, "gpu_write"},
	{UsageDontBlock, "dontblock"},
	{UsageUnsynchronized, "unsynchronized"},
	{UsagePersistent, "persistent"},
}

// Contains returns true if u includes every bit of flag.
func (u Usage) Contains(flag Usage) bool {
	return u&flag == flag
}

// String returns the flags joined by "|", e.g. "cpu_write|gpu_read".
func (u Usage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	rest := u
	for _, n := range usageNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseUsage parses a flag list such as "cpu_write|gpu_read".
// Separators may be "|" or ",". Names are case-insensitive.
func ParseUsage(s string) (Usage, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return 0, nil
	}
	var u Usage
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToLower(strings.TrimSpace(field))
		found := false
		for _, n := range usageNames {
			if n.name == name {
				u |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q", ErrUnknownUsage, field)
		}
	}
	return u, nil
}

// CheckUsage reports whether provided covers every bit of requested.
func CheckUsage(requested, provided Usage) bool {
	return requested&provided == requested
}

// CheckAlignment reports whether an allocation aligned to provided bytes
// satisfies a request for requested-byte alignment. A zero request always
// succeeds.
func CheckAlignment(requested, provided uint64) bool {
	if requested == 0 {
		return true
	}
	return requested <= provided && provided%requested == 0
}

// AlignUp rounds size up to a multiple of alignment.
// Alignments of 0 or 1 return size unchanged.
func AlignUp(size, alignment uint64) uint64 {
	if alignment <= 1 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}

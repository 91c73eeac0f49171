package vea

import "time"

// Tunables. BlockSize/HeaderBlocks/Capacity are geometry: Format writes
// them into the root cell and Load always recovers the values a pool
// was formatted with. AgingWindow/
// LargeThreshold/MaxExtentBlocks are runtime policy, not wire layout:
// a host passes them to Load fresh each time rather than recovering them
// from disk, so they can be retuned without reformatting.
const (
	// DefaultBlockSize is the block size used when Format is not given an
	// explicit one. Must remain a power of two at least one page.
	DefaultBlockSize = 4096

	// DefaultAgingWindow is the minimum lifetime of an aging extent before
	// it becomes eligible for migration back into the free map.
	DefaultAgingWindow = 10 * time.Second

	// DefaultLargeThreshold is the block count at/above which reserve
	// switches from best-fit-small to largest-extent-first.
	DefaultLargeThreshold = 16 * 32 // 512 blocks

	// DefaultMaxExtentBlocks caps a single reservation at 128 MiB worth of
	// DefaultBlockSize blocks.
	DefaultMaxExtentBlocks = (128 << 20) / DefaultBlockSize
)

// Config carries the tunables and geometry for Format, in the style of the
// teacher's LoggerConfig/NewLogger: a plain struct with documented zero
// values, never a functional-options chain for something this small.
type Config struct {
	BlockSize       uint32
	HeaderBlocks    uint32
	Capacity        uint64
	AgingWindow     time.Duration
	LargeThreshold  uint32
	MaxExtentBlocks uint32
}

// withDefaults fills zero fields with package defaults.
func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.AgingWindow == 0 {
		c.AgingWindow = DefaultAgingWindow
	}
	if c.LargeThreshold == 0 {
		c.LargeThreshold = DefaultLargeThreshold
	}
	if c.MaxExtentBlocks == 0 {
		c.MaxExtentBlocks = DefaultMaxExtentBlocks
	}
	return c
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

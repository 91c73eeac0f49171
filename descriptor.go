package vea

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/daos-stack/vea/txn"
)

// Wire layout. All integers are little-endian; the root cell is padded
// to a 64-byte-aligned size. Field offsets and sizes are manual
// (binary.LittleEndian slicing) rather than reflection-based codecs,
// because the layout must stay bit-stable across versions.
const (
	veaMagic         uint32 = 0x56454131 // "VEA1"
	compatVersion    uint16 = 1
	rootCellSize            = 128 // next 64-byte multiple above the packed field layout
	freeExtentRecSize       = 16  // offset(8) + length(4) + flags(4)
	hintRecSize             = 32  // last_offset(8) + sequence(8) + reserved(16)
)

// root cell field offsets.
const (
	offMagic         = 0
	offCompat        = 4
	offBlockSize     = 6
	offHeaderBlocks  = 10
	offCapacity      = 14
	offByOffsetRoot  = 22
	offBySizeRoot    = 30
	offHintArrayRoot = 38
	offPublishGen    = 46
	offReserved      = 54
	reservedLen      = 32
	offChecksum      = offReserved + reservedLen // 86
)

type rootCell struct {
	magic          uint32
	compat         uint16
	blockSize      uint32
	headerBlocks   uint32
	capacityBlocks uint64
	byOffsetRoot   txn.CellID
	bySizeRoot     txn.CellID
	hintArrayRoot  txn.CellID
	publishGen     uint64
}

func (c rootCell) encode() []byte {
	buf := make([]byte, rootCellSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], c.magic)
	binary.LittleEndian.PutUint16(buf[offCompat:], c.compat)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], c.blockSize)
	binary.LittleEndian.PutUint32(buf[offHeaderBlocks:], c.headerBlocks)
	binary.LittleEndian.PutUint64(buf[offCapacity:], c.capacityBlocks)
	binary.LittleEndian.PutUint64(buf[offByOffsetRoot:], uint64(c.byOffsetRoot))
	binary.LittleEndian.PutUint64(buf[offBySizeRoot:], uint64(c.bySizeRoot))
	binary.LittleEndian.PutUint64(buf[offHintArrayRoot:], uint64(c.hintArrayRoot))
	binary.LittleEndian.PutUint64(buf[offPublishGen:], c.publishGen)
	// offReserved..offChecksum stays zero.
	sum := crc32.ChecksumIEEE(buf[:offChecksum])
	binary.LittleEndian.PutUint32(buf[offChecksum:], sum)
	return buf
}

func decodeRootCell(buf []byte) (rootCell, bool) {
	var c rootCell
	if len(buf) < rootCellSize {
		return c, false
	}
	c.magic = binary.LittleEndian.Uint32(buf[offMagic:])
	c.compat = binary.LittleEndian.Uint16(buf[offCompat:])
	c.blockSize = binary.LittleEndian.Uint32(buf[offBlockSize:])
	c.headerBlocks = binary.LittleEndian.Uint32(buf[offHeaderBlocks:])
	c.capacityBlocks = binary.LittleEndian.Uint64(buf[offCapacity:])
	c.byOffsetRoot = txn.CellID(binary.LittleEndian.Uint64(buf[offByOffsetRoot:]))
	c.bySizeRoot = txn.CellID(binary.LittleEndian.Uint64(buf[offBySizeRoot:]))
	c.hintArrayRoot = txn.CellID(binary.LittleEndian.Uint64(buf[offHintArrayRoot:]))
	c.publishGen = binary.LittleEndian.Uint64(buf[offPublishGen:])

	gotSum := binary.LittleEndian.Uint32(buf[offChecksum:])
	wantSum := crc32.ChecksumIEEE(buf[:offChecksum])
	return c, gotSum == wantSum
}

func encodeFreeExtentTable(entries []Extent) []byte {
	buf := make([]byte, 4+len(entries)*freeExtentRecSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, e := range entries {
		rec := buf[4+i*freeExtentRecSize:]
		binary.LittleEndian.PutUint64(rec[0:8], e.Offset)
		binary.LittleEndian.PutUint32(rec[8:12], e.Length)
		binary.LittleEndian.PutUint32(rec[12:16], 0) // flags, reserved
	}
	return buf
}

func decodeFreeExtentTable(buf []byte) ([]Extent, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	need := 4 + int(count)*freeExtentRecSize
	if len(buf) < need {
		return nil, false
	}
	out := make([]Extent, count)
	for i := range out {
		rec := buf[4+i*freeExtentRecSize:]
		offset := binary.LittleEndian.Uint64(rec[0:8])
		length := binary.LittleEndian.Uint32(rec[8:12])
		flags := binary.LittleEndian.Uint32(rec[12:16])
		if flags != 0 {
			return nil, false // flags are reserved-must-be-zero
		}
		out[i] = Extent{Offset: offset, Length: length}
	}
	return out, true
}

// hintPersisted is the on-disk shape of a hint record.
type hintPersisted struct {
	lastOffset uint64
	sequence   uint64
}

// encodeHintTable packs a flat array of hint slots: an 8-byte stream key
// (streamHash) followed by a hintRecSize-byte record, lastOffset(8) +
// sequence(8) + reserved(16), for 40 bytes per slot, so the table is
// self-describing. hashes and recs must be parallel slices.
func encodeHintTable(hashes []uint64, recs []hintPersisted) []byte {
	const slotSize = 8 + hintRecSize
	buf := make([]byte, 4+len(recs)*slotSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(recs)))
	for i, r := range recs {
		rec := buf[4+i*slotSize:]
		binary.LittleEndian.PutUint64(rec[0:8], hashes[i])
		binary.LittleEndian.PutUint64(rec[8:16], r.lastOffset)
		binary.LittleEndian.PutUint64(rec[16:24], r.sequence)
	}
	return buf
}

func hashStreamID(id string) uint64 {
	h := crc32.ChecksumIEEE([]byte(id))
	return uint64(h)
}

// validateGeometry validates the block size / header / capacity combination.
func validateGeometry(cfg Config) error {
	if !isPowerOfTwo(cfg.BlockSize) {
		return wrapErr(KindBadGeometry, nil, "block size %d is not a power of two", cfg.BlockSize)
	}
	if cfg.BlockSize < DefaultBlockSize {
		return newErr(KindBadGeometry, "block size %d smaller than one page", cfg.BlockSize)
	}
	if uint64(cfg.HeaderBlocks) >= cfg.Capacity {
		return newErr(KindBadGeometry, "header blocks %d must be less than capacity %d", cfg.HeaderBlocks, cfg.Capacity)
	}
	// capacity must fit in the address space VEA uses for offsets; Offset
	// is 64-bit so this only guards against a zero or absurd capacity.
	if cfg.Capacity == 0 {
		return newErr(KindBadGeometry, "capacity must be greater than zero")
	}
	return nil
}

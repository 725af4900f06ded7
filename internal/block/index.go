package block

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Index locates blocks inside one volume file.
type Index struct {
	Entries []IndexEntry
}

// IndexEntry maps a block number to its position in the file.
type IndexEntry struct {
	BlockNumber uint32
	Offset      int64
	Size        uint32
}

// Lookup finds the first block numbered blockNumber or higher.
func (idx *Index) Lookup(blockNumber uint32) (IndexEntry, bool) {
	i := sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].BlockNumber >= blockNumber
	})
	if i < len(idx.Entries) {
		return idx.Entries[i], true
	}
	return IndexEntry{}, false
}

// Add records a block written at offset. Block numbers must increase.
func (idx *Index) Add(blockNumber uint32, offset int64, size uint32) {
	idx.Entries = append(idx.Entries, IndexEntry{BlockNumber: blockNumber, Offset: offset, Size: size})
}

// BuildIndex scans the block headers of a volume file. Scanning stops at
// the first header that cannot be parsed.
func BuildIndex(data []byte) *Index {
	idx := &Index{}
	var off int64
	for int(off)+BlockHeaderSize <= len(data) {
		h, err := ParseHeader(data[off:])
		if err != nil || int(off)+int(h.BlockLen) > len(data) {
			break
		}
		idx.Add(h.BlockNumber, off, h.BlockLen)
		off += int64(h.BlockLen)
	}
	return idx
}

// Encode serializes the index for sidecar storage.
// Format: [4 bytes entry_count][repeated: 4 block_number + 8 offset + 4 size]
func (idx *Index) Encode() []byte {
	buf := make([]byte, 4+len(idx.Entries)*16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(idx.Entries)))

	pos := 4
	for _, e := range idx.Entries {
		binary.BigEndian.PutUint32(buf[pos:pos+4], e.BlockNumber)
		binary.BigEndian.PutUint64(buf[pos+4:pos+12], uint64(e.Offset))
		binary.BigEndian.PutUint32(buf[pos+12:pos+16], e.Size)
		pos += 16
	}
	return buf
}

// DecodeIndex parses a sidecar index.
func DecodeIndex(data []byte) (*Index, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index too small: %d bytes", len(data))
	}

	count := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 4+count*16 {
		return nil, fmt.Errorf("index truncated: expected %d entries, got %d bytes", count, len(data))
	}

	entries := make([]IndexEntry, count)
	pos := 4
	for i := 0; i < count; i++ {
		entries[i] = IndexEntry{
			BlockNumber: binary.BigEndian.Uint32(data[pos : pos+4]),
			Offset:      int64(binary.BigEndian.Uint64(data[pos+4 : pos+12])),
			Size:        binary.BigEndian.Uint32(data[pos+12 : pos+16]),
		}
		pos += 16
	}

	return &Index{Entries: entries}, nil
}

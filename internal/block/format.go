// Package block encodes and decodes the physical blocks written to volumes.
//
// A block starts with a 24 byte header followed by a sequence of records,
// each prefixed by a 12 byte record header. All integers are big-endian.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultBlockSize is used when a device does not configure one.
	DefaultBlockSize = 64 * 1024

	// BlockHeaderSize: [4 checksum][4 block_len][4 block_number][4 "BB02"][4 vol_session_id][4 vol_session_time]
	BlockHeaderSize = 24

	// RecordHeaderSize: [4 file_index][4 stream][4 data_len]
	RecordHeaderSize = 12

	// BlockMagic identifies the block format.
	BlockMagic = "BB02"
)

// FileIndex sentinels of label pseudo-records.
const (
	PreLabel int32 = -1
	VolLabel int32 = -2
	EOMLabel int32 = -3
	SOSLabel int32 = -4
	EOSLabel int32 = -5
	EOTLabel int32 = -6
	SOBLabel int32 = -7
	EOBLabel int32 = -8
)

var (
	ErrBadMagic = errors.New("block: bad magic")
	ErrChecksum = errors.New("block: checksum mismatch")
	ErrTooSmall = errors.New("block: too small")
)

// LabelName returns the name of a label FileIndex, or "" for data records.
func LabelName(fileIndex int32) string {
	switch fileIndex {
	case PreLabel:
		return "PRE_LABEL"
	case VolLabel:
		return "VOL_LABEL"
	case EOMLabel:
		return "EOM_LABEL"
	case SOSLabel:
		return "SOS_LABEL"
	case EOSLabel:
		return "EOS_LABEL"
	case EOTLabel:
		return "EOT_LABEL"
	case SOBLabel:
		return "SOB_LABEL"
	case EOBLabel:
		return "EOB_LABEL"
	}
	return ""
}

// IsLabel reports whether a FileIndex denotes a label pseudo-record.
func IsLabel(fileIndex int32) bool { return fileIndex < 0 }

// Header is the fixed prefix of every block.
type Header struct {
	CheckSum       uint32
	BlockLen       uint32
	BlockNumber    uint32
	VolSessionId   uint32
	VolSessionTime uint32
}

// Block is one physical block read from or written to a volume.
type Block struct {
	Header
	// Raw is the encoded block, BlockLen bytes.
	Raw []byte
}

// Payload returns the record area of the block.
func (b *Block) Payload() []byte {
	return b.Raw[BlockHeaderSize:b.BlockLen]
}

// Encode builds Raw from the header fields and payload, computing BlockLen
// and the checksum.
func (b *Block) Encode(payload []byte) {
	raw := make([]byte, BlockHeaderSize+len(payload))
	b.BlockLen = uint32(len(raw))
	binary.BigEndian.PutUint32(raw[4:8], b.BlockLen)
	binary.BigEndian.PutUint32(raw[8:12], b.BlockNumber)
	copy(raw[12:16], BlockMagic)
	binary.BigEndian.PutUint32(raw[16:20], b.VolSessionId)
	binary.BigEndian.PutUint32(raw[20:24], b.VolSessionTime)
	copy(raw[BlockHeaderSize:], payload)
	b.CheckSum = crc32.ChecksumIEEE(raw[4:])
	binary.BigEndian.PutUint32(raw[0:4], b.CheckSum)
	b.Raw = raw
}

// ParseHeader decodes the block header without verifying the checksum.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < BlockHeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(raw))
	}
	if string(raw[12:16]) != BlockMagic {
		return Header{}, fmt.Errorf("%w: %q", ErrBadMagic, raw[12:16])
	}
	h := Header{
		CheckSum:       binary.BigEndian.Uint32(raw[0:4]),
		BlockLen:       binary.BigEndian.Uint32(raw[4:8]),
		BlockNumber:    binary.BigEndian.Uint32(raw[8:12]),
		VolSessionId:   binary.BigEndian.Uint32(raw[16:20]),
		VolSessionTime: binary.BigEndian.Uint32(raw[20:24]),
	}
	if h.BlockLen < BlockHeaderSize {
		return Header{}, fmt.Errorf("%w: block length %d", ErrTooSmall, h.BlockLen)
	}
	return h, nil
}

// Decode parses and verifies one block at the start of raw.
func Decode(raw []byte) (*Block, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if int(h.BlockLen) > len(raw) {
		return nil, fmt.Errorf("%w: block length %d exceeds %d available bytes", ErrTooSmall, h.BlockLen, len(raw))
	}
	if sum := crc32.ChecksumIEEE(raw[4:h.BlockLen]); sum != h.CheckSum {
		return nil, fmt.Errorf("%w in block %d: expected 0x%08X, got 0x%08X", ErrChecksum, h.BlockNumber, h.CheckSum, sum)
	}
	return &Block{Header: h, Raw: raw[:h.BlockLen]}, nil
}

// RecordHeader prefixes each record fragment inside a block. A negative
// Stream marks the continuation of a record started in an earlier block;
// DataLen always counts the bytes still outstanding for the record, which
// may exceed what the block holds.
type RecordHeader struct {
	FileIndex int32
	Stream    int32
	DataLen   uint32
}

// Continuation reports whether the fragment continues an earlier record.
func (h RecordHeader) Continuation() bool { return h.Stream < 0 }

func (h RecordHeader) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(h.FileIndex))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Stream))
	binary.BigEndian.PutUint32(b[8:12], h.DataLen)
}

// ParseRecordHeader decodes a record header; b must hold RecordHeaderSize bytes.
func ParseRecordHeader(b []byte) RecordHeader {
	return RecordHeader{
		FileIndex: int32(binary.BigEndian.Uint32(b[0:4])),
		Stream:    int32(binary.BigEndian.Uint32(b[4:8])),
		DataLen:   binary.BigEndian.Uint32(b[8:12]),
	}
}

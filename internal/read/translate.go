package read

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Record streams understood by the translators.
const (
	StreamFileData       int32 = 2
	StreamCompressedData int32 = 29
)

// Compression stream header: magic u32 | level u16 | version u16 | size u32.
const (
	compressHeaderSize = 12
	compressVersion    = 1

	magicZstd uint32 = 0x5a535444 // "ZSTD"
	magicS2   uint32 = 0x53324250 // "S2BP"
)

var ErrCorruptCompressed = errors.New("read: corrupt compressed record")

// Translator may substitute a transformed record for a data record.
type Translator interface {
	Name() string
	// Translate returns the replacement record, or nil to leave rec as is.
	Translate(rec *Record) (*Record, error)
}

// NewTranslators builds translators by name in registration order.
func NewTranslators(names []string) ([]Translator, error) {
	var out []Translator
	for _, name := range names {
		switch name {
		case "zstd":
			zt, err := NewZstdTranslator()
			if err != nil {
				return nil, err
			}
			out = append(out, zt)
		case "s2":
			out = append(out, S2Translator{})
		default:
			return nil, fmt.Errorf("unknown translation %q", name)
		}
	}
	return out, nil
}

// translate runs the chain, last registered first. Each translator sees
// the output of the one before it.
func (rc *ReadContext) translate(rec *Record) (*Record, error) {
	cur := rec
	for i := len(rc.translators) - 1; i >= 0; i-- {
		t := rc.translators[i]
		out, err := t.Translate(cur)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		if out != nil {
			cur = out
		}
	}
	return cur, nil
}

func putCompressHeader(magic uint32, level int, size int, data []byte) []byte {
	out := make([]byte, compressHeaderSize, compressHeaderSize+len(data))
	binary.BigEndian.PutUint32(out[0:4], magic)
	binary.BigEndian.PutUint16(out[4:6], uint16(level))
	binary.BigEndian.PutUint16(out[6:8], compressVersion)
	binary.BigEndian.PutUint32(out[8:12], uint32(size))
	return append(out, data...)
}

// compressedPayload returns the body and declared size of a compressed
// record with the given magic, or ok=false when the record is not one.
func compressedPayload(rec *Record, magic uint32) (body []byte, size uint32, ok bool, err error) {
	if rec.Stream != StreamCompressedData || len(rec.Data) < compressHeaderSize {
		return nil, 0, false, nil
	}
	if binary.BigEndian.Uint32(rec.Data[0:4]) != magic {
		return nil, 0, false, nil
	}
	if v := binary.BigEndian.Uint16(rec.Data[6:8]); v != compressVersion {
		return nil, 0, true, fmt.Errorf("%w: version %d", ErrCorruptCompressed, v)
	}
	return rec.Data[compressHeaderSize:], binary.BigEndian.Uint32(rec.Data[8:12]), true, nil
}

func translated(rec *Record, name string, data []byte) *Record {
	out := *rec
	out.Data = data
	out.TranslatedBy = name
	return &out
}

// ZstdTranslator decompresses zstd records. One encoder and one decoder
// are shared; EncodeAll and DecodeAll are safe for concurrent use.
type ZstdTranslator struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstdTranslator() (*ZstdTranslator, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdTranslator{enc: enc, dec: dec}, nil
}

func (t *ZstdTranslator) Name() string { return "zstd" }

// Compress encodes data as the body of a compressed record.
func (t *ZstdTranslator) Compress(data []byte) []byte {
	return putCompressHeader(magicZstd, int(zstd.SpeedDefault), len(data), t.enc.EncodeAll(data, nil))
}

func (t *ZstdTranslator) Translate(rec *Record) (*Record, error) {
	body, size, ok, err := compressedPayload(rec, magicZstd)
	if !ok || err != nil {
		return nil, err
	}
	data, err := t.dec.DecodeAll(body, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCompressed, err)
	}
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorruptCompressed, len(data), size)
	}
	return translated(rec, t.Name(), data), nil
}

// S2Translator decompresses s2 stream records.
type S2Translator struct{}

func (S2Translator) Name() string { return "s2" }

// Compress encodes data as the body of a compressed record.
func (S2Translator) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return putCompressHeader(magicS2, 0, len(data), buf.Bytes()), nil
}

func (t S2Translator) Translate(rec *Record) (*Record, error) {
	body, size, ok, err := compressedPayload(rec, magicS2)
	if !ok || err != nil {
		return nil, err
	}
	data, err := io.ReadAll(s2.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCompressed, err)
	}
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorruptCompressed, len(data), size)
	}
	return translated(rec, t.Name(), data), nil
}

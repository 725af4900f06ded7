package block

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlockEncodeAndDecode(t *testing.T) {
	payload := make([]byte, RecordHeaderSize+5)
	RecordHeader{FileIndex: 3, Stream: 1, DataLen: 5}.Put(payload)
	copy(payload[RecordHeaderSize:], "hello")

	blk := &Block{Header: Header{BlockNumber: 7, VolSessionId: 2, VolSessionTime: 1760000000}}
	blk.Encode(payload)

	if len(blk.Raw) != BlockHeaderSize+len(payload) {
		t.Fatalf("expected %d raw bytes, got %d", BlockHeaderSize+len(payload), len(blk.Raw))
	}

	decoded, err := Decode(blk.Raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.BlockNumber != 7 {
		t.Errorf("expected block number 7, got %d", decoded.BlockNumber)
	}
	if decoded.VolSessionId != 2 || decoded.VolSessionTime != 1760000000 {
		t.Errorf("unexpected session %d/%d", decoded.VolSessionId, decoded.VolSessionTime)
	}
	if !bytes.Equal(decoded.Payload(), payload) {
		t.Errorf("payload mismatch")
	}

	rh := ParseRecordHeader(decoded.Payload())
	if rh.FileIndex != 3 || rh.Stream != 1 || rh.DataLen != 5 {
		t.Errorf("unexpected record header %+v", rh)
	}
	if rh.Continuation() {
		t.Error("positive stream is not a continuation")
	}
}

func TestBlockDecodeTrailingBytes(t *testing.T) {
	blk := &Block{Header: Header{BlockNumber: 1}}
	blk.Encode([]byte("abc"))
	raw := append(append([]byte{}, blk.Raw...), 0xFF, 0xFF)

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.Raw) != len(blk.Raw) {
		t.Errorf("expected raw length %d, got %d", len(blk.Raw), len(decoded.Raw))
	}
}

func TestBlockDecodeChecksumMismatch(t *testing.T) {
	blk := &Block{Header: Header{BlockNumber: 1}}
	blk.Encode([]byte("payload"))
	blk.Raw[len(blk.Raw)-1] ^= 0xFF

	_, err := Decode(blk.Raw)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestBlockDecodeInvalidMagic(t *testing.T) {
	data := make([]byte, BlockHeaderSize)
	_, err := Decode(data)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestBlockDecodeTooSmall(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}

	blk := &Block{Header: Header{BlockNumber: 1}}
	blk.Encode(make([]byte, 100))
	_, err = Decode(blk.Raw[:60])
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall for truncated block, got %v", err)
	}
}

func TestLabelNames(t *testing.T) {
	tests := map[int32]string{
		PreLabel: "PRE_LABEL",
		VolLabel: "VOL_LABEL",
		EOMLabel: "EOM_LABEL",
		SOSLabel: "SOS_LABEL",
		EOSLabel: "EOS_LABEL",
		EOTLabel: "EOT_LABEL",
		SOBLabel: "SOB_LABEL",
		EOBLabel: "EOB_LABEL",
		5:        "",
	}
	for fi, want := range tests {
		if got := LabelName(fi); got != want {
			t.Errorf("LabelName(%d) = %q, want %q", fi, got, want)
		}
		if IsLabel(fi) != (want != "") {
			t.Errorf("IsLabel(%d) mismatch", fi)
		}
	}
}

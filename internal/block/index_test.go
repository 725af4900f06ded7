package block

import "testing"

func TestIndexLookup(t *testing.T) {
	idx := &Index{
		Entries: []IndexEntry{
			{BlockNumber: 10, Offset: 0, Size: 100},
			{BlockNumber: 11, Offset: 100, Size: 120},
			{BlockNumber: 13, Offset: 220, Size: 80},
		},
	}

	entry, found := idx.Lookup(11)
	if !found {
		t.Fatal("expected to find block 11")
	}
	if entry.Offset != 100 {
		t.Errorf("expected offset 100, got %d", entry.Offset)
	}

	entry, found = idx.Lookup(12)
	if !found || entry.BlockNumber != 13 {
		t.Errorf("expected lookup of a gap to land on block 13, got %+v", entry)
	}

	_, found = idx.Lookup(99)
	if found {
		t.Fatal("should not find block 99")
	}
}

func TestIndexEncodeDecode(t *testing.T) {
	original := &Index{}
	original.Add(1, 0, 200)
	original.Add(2, 200, 150)
	original.Add(3, 350, 300)

	decoded, err := DecodeIndex(original.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if len(decoded.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(decoded.Entries))
	}
	for i, e := range decoded.Entries {
		if e != original.Entries[i] {
			t.Errorf("entry %d: %+v != %+v", i, e, original.Entries[i])
		}
	}
}

func TestDecodeIndexTooSmall(t *testing.T) {
	if _, err := DecodeIndex([]byte{1}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := DecodeIndex([]byte{0, 0, 0, 2, 1}); err == nil {
		t.Fatal("expected error for truncated entries")
	}
}

func TestBuildIndex(t *testing.T) {
	var data []byte
	w := NewWriter(BlockHeaderSize+RecordHeaderSize+8, Session{Id: 1, Time: 1}, func(b *Block) error {
		data = append(data, b.Raw...)
		return nil
	})
	if err := w.WriteRecord(1, 1, make([]byte, 24)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	idx := BuildIndex(append(data, 1, 2, 3))
	if len(idx.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(idx.Entries))
	}
	want := BlockHeaderSize + RecordHeaderSize + 8
	for i, e := range idx.Entries {
		if e.BlockNumber != uint32(i+1) || e.Offset != int64(i*want) || e.Size != uint32(want) {
			t.Errorf("entry %d: unexpected %+v", i, e)
		}
	}
}

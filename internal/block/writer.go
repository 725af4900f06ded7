package block

import (
	"fmt"
	"sync"
)

// Session identifies the job session owning a block.
type Session struct {
	Id   uint32
	Time uint32
}

// Writer packs records into blocks of at most maxSize bytes. Records that
// do not fit are split and continued in the following block.
type Writer struct {
	mu      sync.Mutex
	maxSize int
	session Session
	number  uint32
	payload []byte
	emit    func(*Block) error
}

// NewWriter creates a writer handing sealed blocks to emit.
func NewWriter(maxSize int, session Session, emit func(*Block) error) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultBlockSize
	}
	return &Writer{
		maxSize: maxSize,
		session: session,
		number:  1,
		payload: make([]byte, 0, maxSize-BlockHeaderSize),
		emit:    emit,
	}
}

// SetSession flushes the current block and starts writing for another session.
func (w *Writer) SetSession(s Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s == w.session {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.session = s
	return nil
}

// WriteRecord appends one record.
func (w *Writer) WriteRecord(fileIndex, stream int32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := w.maxSize - BlockHeaderSize
	if capacity <= RecordHeaderSize {
		return fmt.Errorf("block size %d too small", w.maxSize)
	}

	hdr := RecordHeader{FileIndex: fileIndex, Stream: stream}
	rest := data
	for {
		if capacity-len(w.payload) <= RecordHeaderSize {
			if err := w.flushLocked(); err != nil {
				return err
			}
		}
		hdr.DataLen = uint32(len(rest))
		var h [RecordHeaderSize]byte
		hdr.Put(h[:])
		w.payload = append(w.payload, h[:]...)

		n := min(len(rest), capacity-len(w.payload))
		w.payload = append(w.payload, rest[:n]...)
		rest = rest[n:]
		if len(rest) == 0 {
			return nil
		}
		if err := w.flushLocked(); err != nil {
			return err
		}
		hdr.Stream = -stream
		if stream < 0 {
			hdr.Stream = stream
		}
	}
}

// Flush seals the current block if it holds any record.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.payload) == 0 {
		return nil
	}
	blk := &Block{Header: Header{
		BlockNumber:    w.number,
		VolSessionId:   w.session.Id,
		VolSessionTime: w.session.Time,
	}}
	blk.Encode(w.payload)
	w.number++
	w.payload = w.payload[:0]
	return w.emit(blk)
}

// BlockNumber returns the number the next sealed block will carry.
func (w *Writer) BlockNumber() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.number
}

// Pending returns the bytes buffered for the current block.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payload)
}

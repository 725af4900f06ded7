package read

import (
	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/bsr"
	"go.uber.org/zap"
)

// Record is one logical record reassembled from its block fragments. The
// Data slice is owned by the record and is not reused by the reader.
type Record struct {
	VolumeName     string
	File           uint32
	Block          uint32
	VolSessionId   uint32
	VolSessionTime uint32
	FileIndex      int32
	Stream         int32
	Data           []byte

	// Session is the SOS label of the record's session, nil until one was read.
	Session *block.SessionLabel
	// TranslatedBy names the translator that produced Data, if any.
	TranslatedBy string
}

// IsLabel reports whether the record is a label pseudo-record.
func (r *Record) IsLabel() bool { return block.IsLabel(r.FileIndex) }

// RecordStatus is the outcome of ReadNextRecordFromBlock.
type RecordStatus int

const (
	// RecordComplete means a whole record was reassembled.
	RecordComplete RecordStatus = iota
	// NeedMoreData means the block ended inside a record; the partial
	// record is kept for the session and completed by a later block.
	NeedMoreData
	// BlockEmpty means the block holds no further records.
	BlockEmpty
	// Done means the bootstrap filter can match nothing more.
	Done
)

func (s RecordStatus) String() string {
	switch s {
	case RecordComplete:
		return "complete"
	case NeedMoreData:
		return "need more data"
	case BlockEmpty:
		return "block empty"
	case Done:
		return "done"
	}
	return "unknown"
}

type sessionKey struct {
	id, time uint32
}

// builder holds the in-flight record of one session.
type builder struct {
	session   *block.SessionLabel
	rec       *Record
	remaining uint32
	// skip discards the remaining fragments of a record the filter rejected.
	skip bool
}

func (b *builder) reset() {
	b.rec = nil
	b.remaining = 0
	b.skip = false
}

func (b *builder) idle() bool { return b.rec == nil && !b.skip }

// maxIdleBuilders bounds the per-session pool; only idle builders are evicted.
const maxIdleBuilders = 64

func (rc *ReadContext) builder(key sessionKey) *builder {
	if b, ok := rc.builders[key]; ok {
		return b
	}
	if len(rc.builders) >= maxIdleBuilders {
		for k, b := range rc.builders {
			if b.idle() && b.session == nil {
				delete(rc.builders, k)
			}
		}
	}
	b := &builder{}
	rc.builders[key] = b
	return b
}

// dropPartials forgets every record in progress. Fragments already
// buffered cannot be completed after the position jumps.
func (rc *ReadContext) dropPartials() {
	for _, b := range rc.builders {
		if !b.idle() {
			b.reset()
		}
	}
}

// ReadNextRecordFromBlock reassembles the next record from the current
// block. Data records are matched against the bootstrap filter when their
// first fragment is seen; rejected records are consumed without being
// returned. Label records bypass record-level filtering.
func (rc *ReadContext) ReadNextRecordFromBlock() (*Record, RecordStatus) {
	if rc.blk == nil {
		return nil, BlockEmpty
	}
	payload := rc.blk.Payload()
	key := sessionKey{rc.blk.VolSessionId, rc.blk.VolSessionTime}

	for {
		if rc.done {
			return nil, Done
		}
		if rc.off+block.RecordHeaderSize > len(payload) {
			rc.off = len(payload)
			return nil, BlockEmpty
		}
		hdr := block.ParseRecordHeader(payload[rc.off:])
		rc.off += block.RecordHeaderSize

		n := min(int(hdr.DataLen), len(payload)-rc.off)
		frag := payload[rc.off : rc.off+n]
		rc.off += n

		b := rc.builder(key)
		if hdr.Continuation() {
			if b.idle() || b.remaining != hdr.DataLen || (b.rec != nil && (b.rec.FileIndex != hdr.FileIndex || b.rec.Stream != -hdr.Stream)) {
				rc.logger.Debug("discarding orphan continuation",
					zap.Int32("file_index", hdr.FileIndex),
					zap.Uint32("block", rc.blk.BlockNumber),
				)
				b.reset()
				continue
			}
		} else {
			if !b.idle() {
				rc.logger.Warn("record interrupted by a new record",
					zap.Uint32("vol_session_id", key.id),
					zap.Uint32("block", rc.blk.BlockNumber),
				)
			}
			b.reset()
			rec := &Record{
				VolumeName:     rc.volume,
				File:           rc.file,
				Block:          rc.blk.BlockNumber,
				VolSessionId:   key.id,
				VolSessionTime: key.time,
				FileIndex:      hdr.FileIndex,
				Stream:         hdr.Stream,
				Session:        b.session,
			}
			if !block.IsLabel(hdr.FileIndex) {
				switch rc.match(rec) {
				case -1:
					rc.done = true
					return nil, Done
				case 0:
					b.skip = true
					if rc.bsr != nil {
						rc.repositionPending = true
					}
				}
			}
			if !b.skip {
				rec.Data = make([]byte, 0, hdr.DataLen)
				b.rec = rec
			}
		}

		b.remaining = hdr.DataLen - uint32(n)
		if b.skip {
			if b.remaining == 0 {
				b.reset()
			}
			if rc.off >= len(payload) && b.remaining > 0 {
				return nil, NeedMoreData
			}
			continue
		}
		b.rec.Data = append(b.rec.Data, frag...)
		if b.remaining > 0 {
			return nil, NeedMoreData
		}
		rec := b.rec
		b.reset()
		return rec, RecordComplete
	}
}

// match applies the bootstrap filter to the first fragment of a data
// record. A change of FileIndex arms a reposition check.
func (rc *ReadContext) match(rec *Record) int {
	if rc.bsr == nil {
		return 1
	}
	if rc.lastFileIndex != 0 && rec.FileIndex != rc.lastFileIndex {
		rc.repositionPending = true
	}
	rc.lastFileIndex = rec.FileIndex
	return rc.bsr.Match(bsr.Position{
		Volume:         rec.VolumeName,
		File:           rec.File,
		Block:          rec.Block,
		VolSessionId:   rec.VolSessionId,
		VolSessionTime: rec.VolSessionTime,
		FileIndex:      rec.FileIndex,
		Stream:         rec.Stream,
	}, rec.Session)
}

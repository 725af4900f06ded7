package read

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/bsr"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/jobs"
	"go.uber.org/zap"
)

var testLabelTime = time.Date(2026, 10, 16, 1, 0, 0, 0, time.UTC)

const testSessionTime = 1760576400

// testVolume writes a volume through the block writer the way a storage
// daemon lays it out: a volume label block followed by session data.
type testVolume struct {
	t  *testing.T
	vw *device.VolumeWriter
	w  *block.Writer
}

func newTestVolume(t *testing.T, b device.Backend, name string, blockSize int) *testVolume {
	t.Helper()
	vw := device.NewVolumeWriter(b, name)
	v := &testVolume{t: t, vw: vw, w: block.NewWriter(blockSize, block.Session{}, vw.WriteBlock)}
	label := &block.VolumeLabel{
		VolumeName: name,
		PoolName:   "Full",
		PoolType:   "Backup",
		MediaType:  "File",
		LabelTime:  testLabelTime,
	}
	v.record(block.VolLabel, 0, label.Encode())
	v.flush()
	return v
}

func sessionLabel(jobId uint32) *block.SessionLabel {
	return &block.SessionLabel{
		JobId:    jobId,
		Job:      "backup." + strings.Repeat("x", int(jobId)),
		JobName:  "backup",
		Client:   "fd1",
		PoolName: "Full",
		JobType:  'B',
		JobLevel: 'F',
	}
}

func (v *testVolume) record(fileIndex, stream int32, data []byte) {
	v.t.Helper()
	if err := v.w.WriteRecord(fileIndex, stream, data); err != nil {
		v.t.Fatalf("WriteRecord(%d): %v", fileIndex, err)
	}
}

func (v *testVolume) flush() {
	v.t.Helper()
	if err := v.w.Flush(); err != nil {
		v.t.Fatalf("Flush: %v", err)
	}
}

func (v *testVolume) startSession(id uint32) {
	v.t.Helper()
	if err := v.w.SetSession(block.Session{Id: id, Time: testSessionTime}); err != nil {
		v.t.Fatalf("SetSession: %v", err)
	}
	v.record(block.SOSLabel, int32(id), sessionLabel(id).Encode(false))
}

func (v *testVolume) endSession(id uint32) {
	v.t.Helper()
	v.record(block.EOSLabel, int32(id), sessionLabel(id).Encode(true))
}

func (v *testVolume) eof() {
	v.t.Helper()
	v.flush()
	if err := v.vw.WriteEOF(context.Background()); err != nil {
		v.t.Fatalf("WriteEOF: %v", err)
	}
}

func payload(fileIndex int32, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(int(fileIndex)*31 + i)
	}
	return b
}

func newTestDevice(b device.Backend, maxBlock int) *device.Device {
	return device.New(device.Config{
		Name:         "FileStorage",
		MediaType:    "File",
		Backend:      b,
		MaxBlockSize: maxBlock,
		Logger:       zap.NewNop(),
	})
}

func mustParseBSR(t *testing.T, text string) *bsr.BSR {
	t.Helper()
	b, err := bsr.Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("bsr.Parse: %v", err)
	}
	return b
}

func readAll(t *testing.T, rc *ReadContext) ([]*Record, error) {
	t.Helper()
	var recs []*Record
	err := rc.ReadRecords(context.Background(), func(r *Record) bool {
		recs = append(recs, r)
		return true
	})
	return recs, err
}

func dataIndexes(recs []*Record) []int32 {
	var out []int32
	for _, r := range recs {
		if !r.IsLabel() {
			out = append(out, r.FileIndex)
		}
	}
	return out
}

func labelNames(recs []*Record) []string {
	var out []string
	for _, r := range recs {
		if r.IsLabel() {
			out = append(out, block.LabelName(r.FileIndex))
		}
	}
	return out
}

func TestReadNextRecordFromBlock_SpansBoundary(t *testing.T) {
	var blocks []*block.Block
	w := block.NewWriter(96, block.Session{Id: 3, Time: testSessionTime}, func(b *block.Block) error {
		blocks = append(blocks, b)
		return nil
	})
	want := payload(1, 100)
	if err := w.WriteRecord(1, 2, want); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("record written into %d blocks, want 2", len(blocks))
	}

	rc := &ReadContext{builders: make(map[sessionKey]*builder), logger: zap.NewNop(), volume: "V1"}
	rc.blk = blocks[0]
	rec, status := rc.ReadNextRecordFromBlock()
	if status != NeedMoreData || rec != nil {
		t.Fatalf("first block: got %v %v, want need more data", rec, status)
	}

	rc.blk, rc.off = blocks[1], 0
	rec, status = rc.ReadNextRecordFromBlock()
	if status != RecordComplete {
		t.Fatalf("second block: status %v, want complete", status)
	}
	if !bytes.Equal(rec.Data, want) {
		t.Fatalf("record data: %d bytes, want %d identical bytes", len(rec.Data), len(want))
	}
	if rec.FileIndex != 1 || rec.Stream != 2 || rec.VolSessionId != 3 || rec.Block != blocks[0].BlockNumber {
		t.Errorf("record attribution = %+v", rec)
	}

	if _, status := rc.ReadNextRecordFromBlock(); status != BlockEmpty {
		t.Errorf("after record: status %v, want block empty", status)
	}
}

func TestReadNextRecordFromBlock_OrphanContinuation(t *testing.T) {
	var blocks []*block.Block
	w := block.NewWriter(96, block.Session{Id: 1, Time: testSessionTime}, func(b *block.Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err := w.WriteRecord(1, 2, payload(1, 100)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(2, 2, payload(2, 5)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	// Start at the second block, as after a reposition.
	rc := &ReadContext{builders: make(map[sessionKey]*builder), logger: zap.NewNop(), volume: "V1"}
	rc.blk = blocks[1]
	rec, status := rc.ReadNextRecordFromBlock()
	if status != RecordComplete || rec.FileIndex != 2 {
		t.Fatalf("got %v %v, want FileIndex 2", rec, status)
	}
	if !bytes.Equal(rec.Data, payload(2, 5)) {
		t.Error("record data mismatch")
	}
}

func TestReadRecords_WholeVolume(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 128)
	v.startSession(1)
	sizes := map[int32]int{1: 10, 2: 150, 3: 0, 4: 300, 5: 50}
	for fi := int32(1); fi <= 3; fi++ {
		v.record(fi, 2, payload(fi, sizes[fi]))
	}
	v.eof()
	for fi := int32(4); fi <= 5; fi++ {
		v.record(fi, 2, payload(fi, sizes[fi]))
	}
	v.endSession(1)
	v.eof()

	rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{"V1"}, Logger: zap.NewNop()})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}

	if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 2, 3, 4, 5}) {
		t.Fatalf("data records = %v", got)
	}
	if got := labelNames(recs); !slices.Equal(got, []string{"VOL_LABEL", "SOS_LABEL", "EOS_LABEL", "EOT_LABEL"}) {
		t.Fatalf("labels = %v", got)
	}
	for _, r := range recs {
		if r.IsLabel() {
			continue
		}
		if !bytes.Equal(r.Data, payload(r.FileIndex, sizes[r.FileIndex])) {
			t.Errorf("FileIndex %d: data mismatch (%d bytes)", r.FileIndex, len(r.Data))
		}
		if r.Session == nil || r.Session.JobId != 1 {
			t.Errorf("FileIndex %d: session = %+v, want JobId 1", r.FileIndex, r.Session)
		}
		wantFile := uint32(0)
		if r.FileIndex >= 4 {
			wantFile = 1
		}
		if r.File != wantFile {
			t.Errorf("FileIndex %d: file %d, want %d", r.FileIndex, r.File, wantFile)
		}
	}
	if eos := recs[len(recs)-2]; eos.Session == nil || eos.Session.Job != sessionLabel(1).Job {
		t.Errorf("EOS session = %+v", eos.Session)
	}
	if rc.VolumeLabel() != nil {
		t.Error("volume label should be released after the last volume")
	}
	if !rc.Done() || rc.Records() != uint64(len(recs)) {
		t.Errorf("done=%v records=%d, want done and %d", rc.Done(), rc.Records(), len(recs))
	}
}

func TestReadRecords_InterleavedSessions(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	vw := device.NewVolumeWriter(b, "V1")
	lw := block.NewWriter(256, block.Session{}, vw.WriteBlock)
	label := &block.VolumeLabel{VolumeName: "V1", PoolName: "Full", MediaType: "File"}
	if err := lw.WriteRecord(block.VolLabel, 0, label.Encode()); err != nil {
		t.Fatal(err)
	}
	if err := lw.Flush(); err != nil {
		t.Fatal(err)
	}

	var perSession [2][]*block.Block
	for i := range perSession {
		id := uint32(i + 1)
		w := block.NewWriter(96, block.Session{Id: id, Time: testSessionTime}, func(blk *block.Block) error {
			perSession[i] = append(perSession[i], blk)
			return nil
		})
		if err := w.WriteRecord(block.SOSLabel, int32(id), sessionLabel(id).Encode(false)); err != nil {
			t.Fatal(err)
		}
		for fi := int32(1); fi <= 3; fi++ {
			if err := w.WriteRecord(fi, 2, payload(fi*int32(id), 70)); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < max(len(perSession[0]), len(perSession[1])); i++ {
		for s := range perSession {
			if i < len(perSession[s]) {
				if err := vw.WriteBlock(perSession[s][i]); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	if err := vw.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	t.Run("all", func(t *testing.T) {
		rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{"V1"}, Logger: zap.NewNop()})
		recs, err := readAll(t, rc)
		if err != nil {
			t.Fatalf("ReadRecords: %v", err)
		}
		got := map[uint32][]int32{}
		for _, r := range recs {
			if r.IsLabel() {
				continue
			}
			if !bytes.Equal(r.Data, payload(r.FileIndex*int32(r.VolSessionId), 70)) {
				t.Errorf("session %d FileIndex %d: data mismatch", r.VolSessionId, r.FileIndex)
			}
			got[r.VolSessionId] = append(got[r.VolSessionId], r.FileIndex)
		}
		for id := uint32(1); id <= 2; id++ {
			if !slices.Equal(got[id], []int32{1, 2, 3}) {
				t.Errorf("session %d records = %v", id, got[id])
			}
		}
	})

	t.Run("job filter", func(t *testing.T) {
		rc := New(Config{
			Device: newTestDevice(b, 0),
			BSR:    mustParseBSR(t, "Volume=V1\nJobId=2\n"),
			Logger: zap.NewNop(),
		})
		recs, err := readAll(t, rc)
		if err != nil {
			t.Fatalf("ReadRecords: %v", err)
		}
		for _, r := range recs {
			if !r.IsLabel() && r.VolSessionId != 2 {
				t.Errorf("record of session %d delivered", r.VolSessionId)
			}
		}
		if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 2, 3}) {
			t.Errorf("data records = %v", got)
		}
		if got := labelNames(recs); !slices.Equal(got, []string{"VOL_LABEL", "SOS_LABEL", "SOS_LABEL", "EOT_LABEL"}) {
			t.Errorf("labels = %v", got)
		}
	})
}

func TestReadRecords_FilterDoneStopsRead(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.flush()
	for fi := int32(1); fi <= 10; fi++ {
		v.record(fi, 2, payload(fi, 20))
		v.flush()
	}
	v.endSession(1)
	v.eof()

	dev := newTestDevice(b, 0)
	rc := New(Config{Device: dev, BSR: mustParseBSR(t, "Volume=V1\nFileIndex=1-2\n"), Logger: zap.NewNop()})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 2}) {
		t.Fatalf("data records = %v, want [1 2]", got)
	}
	if !rc.Done() {
		t.Error("read should be done")
	}
	if got := labelNames(recs); slices.Contains(got, "EOT_LABEL") || slices.Contains(got, "EOS_LABEL") {
		t.Errorf("labels = %v; the read should stop before the end of the volume", got)
	}
	// Blocks: volume label, SOS, then one block per record. The read
	// stops in the block of FileIndex 3.
	if _, last := dev.Position(); last != 5 {
		t.Errorf("last block read = %d, want 5", last)
	}
}

func TestReadRecords_VolumeSwitch(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v1 := newTestVolume(t, b, "V1", 256)
	v1.startSession(1)
	v1.record(1, 2, payload(1, 40))
	v1.record(2, 2, payload(2, 40))
	v1.eof()

	v2 := newTestVolume(t, b, "V2", 256)
	if err := v2.w.SetSession(block.Session{Id: 1, Time: testSessionTime}); err != nil {
		t.Fatal(err)
	}
	v2.record(3, 2, payload(3, 40))
	v2.endSession(1)
	v2.eof()

	job := &jobs.Job{JobId: 9, Job: "restore.9"}
	rc := New(Config{
		Device:  newTestDevice(b, 0),
		Volumes: []string{"V1", "V2"},
		Job:     job,
		Logger:  zap.NewNop(),
	})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 2, 3}) {
		t.Fatalf("data records = %v", got)
	}
	if got := labelNames(recs); !slices.Equal(got, []string{"VOL_LABEL", "SOS_LABEL", "VOL_LABEL", "EOS_LABEL", "EOT_LABEL"}) {
		t.Fatalf("labels = %v", got)
	}
	if r := recs[5]; r.FileIndex != 3 || r.VolumeName != "V2" || r.Session == nil || r.Session.JobId != 1 {
		t.Errorf("record on second volume = %+v", r)
	}
	if eot := recs[len(recs)-1]; eot.VolumeName != "V2" {
		t.Errorf("EOT attributed to %q, want V2", eot.VolumeName)
	}

	msgs := strings.Join(job.Messages(), "\n")
	if !strings.Contains(msgs, `End of Volume "V1"`) || !strings.Contains(msgs, `Ready to read from volume "V2"`) {
		t.Errorf("job messages = %q", msgs)
	}
}

func TestReadRecords_MissingNextVolume(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.record(1, 2, payload(1, 10))
	v.eof()

	rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{"V1", "V9"}, Logger: zap.NewNop()})
	_, err := readAll(t, rc)
	if !errors.Is(err, ErrFatalDevice) || !errors.Is(err, device.ErrNoVolume) {
		t.Fatalf("got %v, want a fatal device error for the missing volume", err)
	}
}

func TestReadRecords_AttachesJobAndReleasesDevice(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.record(1, 2, payload(1, 10))
	v.eof()

	dev := newTestDevice(b, 0)
	job := &jobs.Job{JobId: 7, Job: "restore.7"}
	rc := New(Config{Device: dev, Volumes: []string{"V1", "V9"}, Job: job, Logger: zap.NewNop()})
	var attached bool
	err := rc.ReadRecords(context.Background(), func(*Record) bool {
		attached = slices.Contains(dev.Jobs(), job)
		return true
	})
	if !errors.Is(err, device.ErrNoVolume) {
		t.Fatalf("got %v, want missing volume error", err)
	}
	if !attached {
		t.Error("job not attached to the device during the read")
	}
	if len(dev.Jobs()) != 0 {
		t.Errorf("jobs after read = %v, want none", dev.Jobs())
	}
	// The failed mount of V9 must not leave the device held for the operator.
	if got := dev.Blocked(); got != device.Unmounted {
		t.Errorf("device state after read = %v, want unmounted", got)
	}
}

func TestReadRecords_ShortBlockRetried(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.record(1, 2, payload(1, 200))
	v.eof()

	rc := New(Config{Device: newTestDevice(b, 64), Volumes: []string{"V1"}, Logger: zap.NewNop()})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if got := dataIndexes(recs); !slices.Equal(got, []int32{1}) {
		t.Fatalf("data records = %v", got)
	}
}

// corruptBlock flips a payload byte of block blockNumber in file 0.
func corruptBlock(t *testing.T, b device.Backend, volume string, blockNumber uint32) {
	t.Helper()
	ctx := context.Background()
	data, err := b.ReadFile(ctx, volume, 0)
	if err != nil {
		t.Fatal(err)
	}
	data = append([]byte(nil), data...)
	entry, ok := block.BuildIndex(data).Lookup(blockNumber)
	if !ok || entry.BlockNumber != blockNumber {
		t.Fatalf("block %d not found", blockNumber)
	}
	data[entry.Offset+block.BlockHeaderSize+block.RecordHeaderSize+1] ^= 0xFF
	if err := b.WriteFile(ctx, volume, 0, data, nil); err != nil {
		t.Fatal(err)
	}
}

func TestReadRecords_IOError(t *testing.T) {
	build := func(t *testing.T) device.Backend {
		b := device.NewMemoryBackend(zap.NewNop())
		v := newTestVolume(t, b, "V1", 256)
		v.startSession(1)
		v.flush()
		for fi := int32(1); fi <= 4; fi++ {
			v.record(fi, 2, payload(fi, 30))
			v.flush()
		}
		v.eof()
		// Blocks: 1 volume label, 2 SOS, 3.. one per record.
		corruptBlock(t, b, "V1", 4)
		return b
	}

	t.Run("fatal", func(t *testing.T) {
		rc := New(Config{Device: newTestDevice(build(t), 0), Volumes: []string{"V1"}, Logger: zap.NewNop()})
		recs, err := readAll(t, rc)
		if !errors.Is(err, ErrFatalDevice) || !errors.Is(err, device.ErrIO) {
			t.Fatalf("got %v, want a fatal I/O error", err)
		}
		if got := dataIndexes(recs); !slices.Equal(got, []int32{1}) {
			t.Errorf("records before the error = %v", got)
		}
	})

	t.Run("forge on", func(t *testing.T) {
		job := &jobs.Job{JobId: 4, Job: "restore.4"}
		rc := New(Config{
			Device:  newTestDevice(build(t), 0),
			Volumes: []string{"V1"},
			ForgeOn: true,
			Job:     job,
			Logger:  zap.NewNop(),
		})
		recs, err := readAll(t, rc)
		if err != nil {
			t.Fatalf("ReadRecords: %v", err)
		}
		if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 3, 4}) {
			t.Errorf("data records = %v, want [1 3 4]", got)
		}
		if !strings.Contains(strings.Join(job.Messages(), "\n"), "Forcing past read error") {
			t.Errorf("job messages = %q", job.Messages())
		}
	})
}

func TestReadRecords_RepositionSkipsUnwantedFile(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.flush()
	for fi := int32(1); fi <= 3; fi++ {
		v.record(fi, 2, payload(fi, 30))
		v.flush()
	}
	v.eof()
	for fi := int32(4); fi <= 6; fi++ {
		v.record(fi, 2, payload(fi, 30))
		v.flush()
	}
	v.endSession(1)
	v.eof()
	// A damaged block in file 0 is never read when the filter only wants file 1.
	corruptBlock(t, b, "V1", 4)

	rc := New(Config{Device: newTestDevice(b, 0), BSR: mustParseBSR(t, "Volume=V1\nVolFile=1\n"), Logger: zap.NewNop()})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if got := dataIndexes(recs); !slices.Equal(got, []int32{4, 5, 6}) {
		t.Fatalf("data records = %v, want [4 5 6]", got)
	}
	for _, r := range recs {
		if !r.IsLabel() && r.Session != nil {
			t.Errorf("FileIndex %d carries a session label that was never read", r.FileIndex)
		}
	}
}

func TestReadRecords_LabelErrors(t *testing.T) {
	ctx := context.Background()
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	v.record(1, 2, payload(1, 10))
	v.eof()

	// The same volume data stored under another name.
	data, err := b.ReadFile(ctx, "V1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.WriteFile(ctx, "V2", 0, data, nil); err != nil {
		t.Fatal(err)
	}

	// A volume without a label block.
	vw := device.NewVolumeWriter(b, "V3")
	w := block.NewWriter(256, block.Session{Id: 1, Time: testSessionTime}, vw.WriteBlock)
	if err := w.WriteRecord(block.SOSLabel, 1, sessionLabel(1).Encode(false)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(1, 2, payload(1, 10)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := vw.Close(ctx); err != nil {
		t.Fatal(err)
	}

	for _, vol := range []string{"V2", "V3"} {
		t.Run(vol, func(t *testing.T) {
			rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{vol}, Logger: zap.NewNop()})
			_, err := readAll(t, rc)
			if !errors.Is(err, ErrFatalDevice) || !errors.Is(err, block.ErrBadLabel) {
				t.Fatalf("got %v, want a fatal label error", err)
			}

			rc = New(Config{Device: newTestDevice(b, 0), Volumes: []string{vol}, IgnoreLabelErrors: true, Logger: zap.NewNop()})
			recs, err := readAll(t, rc)
			if err != nil {
				t.Fatalf("with label errors ignored: %v", err)
			}
			if got := dataIndexes(recs); !slices.Equal(got, []int32{1}) {
				t.Errorf("data records = %v", got)
			}
		})
	}
}

func TestReadRecords_StopAndCancel(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	v := newTestVolume(t, b, "V1", 256)
	v.startSession(1)
	for fi := int32(1); fi <= 6; fi++ {
		v.record(fi, 2, payload(fi, 30))
	}
	v.eof()

	t.Run("callback stops", func(t *testing.T) {
		rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{"V1"}, Logger: zap.NewNop()})
		var seen int
		err := rc.ReadRecords(context.Background(), func(r *Record) bool {
			if !r.IsLabel() {
				seen++
			}
			return seen < 2
		})
		if err != nil {
			t.Fatalf("ReadRecords: %v", err)
		}
		if seen != 2 || !rc.Done() {
			t.Errorf("seen=%d done=%v, want 2 records and done", seen, rc.Done())
		}
	})

	t.Run("job canceled", func(t *testing.T) {
		job := &jobs.Job{JobId: 5, Job: "restore.5"}
		rc := New(Config{Device: newTestDevice(b, 0), Volumes: []string{"V1"}, Job: job, Logger: zap.NewNop()})
		err := rc.ReadRecords(context.Background(), func(r *Record) bool {
			if r.FileIndex == 1 {
				job.Cancel()
			}
			return true
		})
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("got %v, want ErrCanceled", err)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		dev := newTestDevice(b, 0)
		if err := dev.Mount(context.Background(), nil, "V1"); err != nil {
			t.Fatal(err)
		}
		rc := New(Config{Device: dev, Logger: zap.NewNop()})
		err := rc.ReadRecords(ctx, func(*Record) bool { return true })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	})
}

func TestReadRecords_NoVolume(t *testing.T) {
	rc := New(Config{Device: newTestDevice(device.NewMemoryBackend(zap.NewNop()), 0), Logger: zap.NewNop()})
	if _, err := readAll(t, rc); !errors.Is(err, ErrNoVolume) {
		t.Fatalf("got %v, want ErrNoVolume", err)
	}
}

func TestReadRecords_MountCallback(t *testing.T) {
	b := device.NewMemoryBackend(zap.NewNop())
	for _, name := range []string{"A-1", "A-2"} {
		v := newTestVolume(t, b, name, 256)
		v.startSession(1)
		v.record(1, 2, payload(1, 10))
		v.eof()
	}

	var asked int
	rc := New(Config{
		Device: newTestDevice(b, 0),
		MountNext: func(context.Context) (string, bool, error) {
			asked++
			switch asked {
			case 1:
				return "A-1", true, nil
			case 2:
				return "A-2", true, nil
			}
			return "", false, nil
		},
		Logger: zap.NewNop(),
	})
	recs, err := readAll(t, rc)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if asked != 3 {
		t.Errorf("mount callback called %d times, want 3", asked)
	}
	if got := dataIndexes(recs); !slices.Equal(got, []int32{1, 1}) {
		t.Errorf("data records = %v", got)
	}
}

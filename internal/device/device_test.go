package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/jobs"
	"go.uber.org/zap"
)

// writeVolume stores a volume with one file per entry of files; each
// entry is the number of blocks in the file, one record per block.
func writeVolume(t *testing.T, b Backend, volume string, files ...int) {
	t.Helper()
	ctx := context.Background()
	vw := NewVolumeWriter(b, volume)
	w := block.NewWriter(128, block.Session{Id: 1, Time: 1700000000}, vw.WriteBlock)
	fi := int32(1)
	for _, n := range files {
		for i := 0; i < n; i++ {
			if err := w.WriteRecord(fi, 1, make([]byte, 40)); err != nil {
				t.Fatalf("WriteRecord: %v", err)
			}
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			fi++
		}
		if err := vw.WriteEOF(ctx); err != nil {
			t.Fatalf("WriteEOF: %v", err)
		}
	}
}

func newTestDevice(t *testing.T, b Backend, maxBlock int) *Device {
	t.Helper()
	return New(Config{
		Name:         "FileStorage",
		MediaType:    "File",
		Backend:      b,
		MaxBlockSize: maxBlock,
		Logger:       zap.NewNop(),
	})
}

func readAll(t *testing.T, d *Device) (blocks []uint32, err error) {
	t.Helper()
	ctx := context.Background()
	for {
		blk, err := d.ReadBlock(ctx)
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, blk.BlockNumber)
	}
}

func TestDevice_MountUnknownVolume(t *testing.T) {
	d := newTestDevice(t, NewMemoryBackend(zap.NewNop()), 0)
	if d.Blocked() != Unmounted {
		t.Fatalf("initial state = %v, want unmounted", d.Blocked())
	}
	err := d.Mount(context.Background(), nil, "Full-0001")
	if !errors.Is(err, ErrNoVolume) {
		t.Fatalf("Mount: got %v, want ErrNoVolume", err)
	}
	if d.Blocked() != WaitingForSysop {
		t.Errorf("state = %v, want waiting for sysop", d.Blocked())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.ReadBlock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadBlock while waiting for sysop: got %v, want DeadlineExceeded", err)
	}
	d.SetBlocked(Unmounted)
	if _, err := d.ReadBlock(context.Background()); !errors.Is(err, ErrNotMounted) {
		t.Errorf("ReadBlock: got %v, want ErrNotMounted", err)
	}
}

func TestDevice_ReadFilesToEndOfMedium(t *testing.T) {
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 4, 2)
	d := newTestDevice(t, b, 0)

	if err := d.Mount(context.Background(), nil, "Full-0001"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if d.IsBlocked() || d.VolumeName() != "Full-0001" {
		t.Fatalf("after mount: blocked=%v volume=%q", d.Blocked(), d.VolumeName())
	}

	first, err := readAll(t, d)
	if !errors.Is(err, ErrEndOfFile) {
		t.Fatalf("file 0: got %v, want ErrEndOfFile", err)
	}
	if len(first) != 4 || first[0] != 1 {
		t.Fatalf("file 0 blocks = %v, want 4 blocks starting at 1", first)
	}
	if file, _ := d.Position(); file != 1 {
		t.Errorf("file after EOF = %d, want 1", file)
	}

	second, err := readAll(t, d)
	if !errors.Is(err, ErrEndOfFile) {
		t.Fatalf("file 1: got %v, want ErrEndOfFile", err)
	}
	if len(second) != 2 || second[0] != 5 {
		t.Fatalf("file 1 blocks = %v, want blocks 5 and 6", second)
	}

	_, err = d.ReadBlock(context.Background())
	if !errors.Is(err, ErrEndOfMedium) {
		t.Fatalf("past last file: got %v, want ErrEndOfMedium", err)
	}
	if !IsRecoverable(err) {
		t.Error("end of medium should be recoverable")
	}
}

func TestDevice_ShortBlockGrowsBuffer(t *testing.T) {
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 2)
	d := newTestDevice(t, b, 64)
	ctx := context.Background()
	if err := d.Mount(ctx, nil, "Full-0001"); err != nil {
		t.Fatal(err)
	}

	_, err := d.ReadBlock(ctx)
	if !errors.Is(err, ErrShortBlock) {
		t.Fatalf("first read: got %v, want ErrShortBlock", err)
	}
	if !IsRecoverable(err) {
		t.Error("short block should be recoverable")
	}
	blk, err := d.ReadBlock(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if blk.BlockNumber != 1 {
		t.Errorf("retry read block %d, want 1", blk.BlockNumber)
	}
}

func TestDevice_CorruptBlock(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 3)

	data, _ := b.ReadFile(ctx, "Full-0001", 0)
	corrupt := append([]byte(nil), data...)
	idx := block.BuildIndex(corrupt)
	corrupt[idx.Entries[1].Offset+block.BlockHeaderSize+2] ^= 0xFF
	if err := b.WriteFile(ctx, "Full-0001", 0, corrupt, nil); err != nil {
		t.Fatal(err)
	}

	d := newTestDevice(t, b, 0)
	if err := d.Mount(ctx, nil, "Full-0001"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReadBlock(ctx); err != nil {
		t.Fatalf("block 1: %v", err)
	}
	_, err := d.ReadBlock(ctx)
	if !errors.Is(err, ErrIO) || !errors.Is(err, block.ErrChecksum) {
		t.Fatalf("block 2: got %v, want ErrIO wrapping a checksum error", err)
	}
	if IsRecoverable(err) {
		t.Error("I/O error should not be recoverable")
	}

	if err := d.ForwardSpaceRecord(ctx); err != nil {
		t.Fatalf("ForwardSpaceRecord: %v", err)
	}
	blk, err := d.ReadBlock(ctx)
	if err != nil {
		t.Fatalf("block 3: %v", err)
	}
	if blk.BlockNumber != 3 {
		t.Errorf("read block %d after skip, want 3", blk.BlockNumber)
	}
}

func TestDevice_Reposition(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]Backend{
		"scan":  NewMemoryBackend(zap.NewNop()),
		"index": fb,
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			writeVolume(t, b, "Full-0001", 5, 5)
			d := newTestDevice(t, b, 0)
			if err := d.Mount(ctx, nil, "Full-0001"); err != nil {
				t.Fatal(err)
			}

			if err := d.Reposition(ctx, 1, 8); err != nil {
				t.Fatalf("Reposition: %v", err)
			}
			blk, err := d.ReadBlock(ctx)
			if err != nil {
				t.Fatalf("ReadBlock: %v", err)
			}
			if blk.BlockNumber != 8 {
				t.Errorf("block = %d, want 8", blk.BlockNumber)
			}
			if file, last := d.Position(); file != 1 || last != 8 {
				t.Errorf("position = %d:%d, want 1:8", file, last)
			}

			// Back into the first file.
			if err := d.Reposition(ctx, 0, 2); err != nil {
				t.Fatalf("Reposition: %v", err)
			}
			blk, err = d.ReadBlock(ctx)
			if err != nil || blk.BlockNumber != 2 {
				t.Fatalf("block = %v, %v; want 2", blk, err)
			}

			// Past the last block of the file.
			if err := d.Reposition(ctx, 0, 99); err != nil {
				t.Fatalf("Reposition: %v", err)
			}
			if _, err := d.ReadBlock(ctx); !errors.Is(err, ErrEndOfFile) {
				t.Errorf("got %v, want ErrEndOfFile", err)
			}
		})
	}
}

func TestDevice_ForwardSpaceFile(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 3, 1)
	d := newTestDevice(t, b, 0)
	if err := d.Mount(ctx, nil, "Full-0001"); err != nil {
		t.Fatal(err)
	}
	if err := d.ForwardSpaceFile(ctx); err != nil {
		t.Fatalf("ForwardSpaceFile: %v", err)
	}
	blk, err := d.ReadBlock(ctx)
	if err != nil || blk.BlockNumber != 4 {
		t.Fatalf("block = %v, %v; want 4", blk, err)
	}
	if err := d.ForwardSpaceFile(ctx); !errors.Is(err, ErrEndOfMedium) {
		t.Errorf("got %v, want ErrEndOfMedium", err)
	}
}

func TestDevice_AttachJobs(t *testing.T) {
	d := newTestDevice(t, NewMemoryBackend(zap.NewNop()), 0)
	j1 := &jobs.Job{JobId: 1, Job: "restore.1"}
	j2 := &jobs.Job{JobId: 2, Job: "restore.2"}

	d.Attach(j1)
	d.Attach(j2)
	d.Attach(j1)
	if got := d.Jobs(); len(got) != 2 {
		t.Fatalf("jobs = %d, want 2", len(got))
	}
	d.Detach(j1)
	got := d.Jobs()
	if len(got) != 1 || got[0] != j2 {
		t.Fatalf("jobs after detach = %v", got)
	}
}

func TestDevice_Unmount(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 1)
	d := newTestDevice(t, b, 0)
	if err := d.Mount(ctx, nil, "Full-0001"); err != nil {
		t.Fatal(err)
	}
	d.SetBlocked(Releasing)
	if d.Blocked().String() != "releasing" {
		t.Errorf("state = %v", d.Blocked())
	}
	d.Unmount()
	if d.VolumeName() != "" || d.Blocked() != Unmounted {
		t.Errorf("after unmount: volume=%q state=%v", d.VolumeName(), d.Blocked())
	}
	if err := d.Reposition(ctx, 0, 1); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Reposition: got %v, want ErrNotMounted", err)
	}
}

func TestDevice_ReadWaitsForMount(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 2)
	d := newTestDevice(t, b, 0)

	owner := &jobs.Job{JobId: 1, Job: "restore.1"}
	if err := d.Acquire(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if d.Blocked() != DoingAcquire {
		t.Fatalf("state = %v, want doing acquire", d.Blocked())
	}

	type result struct {
		blk uint32
		err error
	}
	read := make(chan result, 1)
	go func() {
		blk, err := d.ReadBlock(ctx)
		if err != nil {
			read <- result{err: err}
			return
		}
		read <- result{blk: blk.BlockNumber}
	}()

	select {
	case r := <-read:
		t.Fatalf("ReadBlock returned during acquire: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if err := d.Mount(ctx, owner, "Full-0001"); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-read:
		if r.err != nil || r.blk != 1 {
			t.Fatalf("ReadBlock after mount: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadBlock still blocked after mount")
	}
}

func TestDevice_AcquireWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	writeVolume(t, b, "Full-0001", 1)
	d := newTestDevice(t, b, 0)

	first := &jobs.Job{JobId: 1, Job: "restore.1"}
	second := &jobs.Job{JobId: 2, Job: "restore.2"}
	if err := d.Acquire(ctx, first); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := d.Mount(short, second, "Full-0001"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Mount by non-holder: got %v, want DeadlineExceeded", err)
	}
	if err := d.Reposition(short, 0, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reposition by non-holder: got %v, want DeadlineExceeded", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- d.Acquire(ctx, second) }()
	select {
	case err := <-acquired:
		t.Fatalf("second Acquire returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	d.Release(first)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire still blocked after release")
	}
	if err := d.Mount(ctx, second, "Full-0001"); err != nil {
		t.Fatal(err)
	}
	if d.IsBlocked() {
		t.Fatalf("state after mount = %v", d.Blocked())
	}
}

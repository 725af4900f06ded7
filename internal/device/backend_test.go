package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/config"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
	getErr  error

	// pageSize limits ListObjectsV2 results to exercise pagination.
	pageSize int
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), pageSize: 1000}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) && k > aws.ToString(params.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := &s3.ListObjectsV2Output{}
	for i, k := range keys {
		if i == m.pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[i-1])
			break
		}
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

// buildVolumeFile packs n records of size bytes into blocks of blockSize.
func buildVolumeFile(t *testing.T, blockSize, n, size int) ([]byte, *block.Index) {
	t.Helper()
	var buf []byte
	idx := &block.Index{}
	w := block.NewWriter(blockSize, block.Session{Id: 1, Time: 1700000000}, func(b *block.Block) error {
		idx.Add(b.BlockNumber, int64(len(buf)), b.BlockLen)
		buf = append(buf, b.Raw...)
		return nil
	})
	for i := 0; i < n; i++ {
		if err := w.WriteRecord(int32(i+1), 1, bytes.Repeat([]byte{byte(i)}, size)); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return buf, idx
}

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	fb, err := NewFileBackend(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return map[string]Backend{
		"memory": NewMemoryBackend(zap.NewNop()),
		"file":   fb,
		"s3":     NewS3Backend(newMockS3(), "test-bucket", "vols", zap.NewNop()),
	}
}

func TestBackend_WriteRead(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			data, idx := buildVolumeFile(t, 256, 10, 40)
			if err := b.WriteFile(ctx, "Full-0001", 0, data, idx); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if err := b.WriteFile(ctx, "Full-0001", 1, []byte("second"), nil); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			got, err := b.ReadFile(ctx, "Full-0001", 0)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("file 0 content mismatch")
			}
			got, err = b.ReadFile(ctx, "Full-0001", 1)
			if err != nil || string(got) != "second" {
				t.Fatalf("file 1 = %q, %v", got, err)
			}

			if _, err := b.ReadFile(ctx, "Full-0001", 2); !errors.Is(err, ErrEndOfMedium) {
				t.Errorf("file past end: got %v, want ErrEndOfMedium", err)
			}
			if _, err := b.ReadFile(ctx, "Full-9999", 0); !errors.Is(err, ErrNoVolume) {
				t.Errorf("unknown volume: got %v, want ErrNoVolume", err)
			}
		})
	}
}

func TestBackend_DeleteVolume(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			for f := uint32(0); f < 3; f++ {
				if err := b.WriteFile(ctx, "Full-0002", f, []byte{byte(f)}, nil); err != nil {
					t.Fatalf("WriteFile: %v", err)
				}
			}
			if err := b.WriteFile(ctx, "Full-0003", 0, []byte("keep"), nil); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if err := b.DeleteVolume(ctx, "Full-0002"); err != nil {
				t.Fatalf("DeleteVolume: %v", err)
			}
			if _, err := b.ReadFile(ctx, "Full-0002", 0); !errors.Is(err, ErrNoVolume) {
				t.Errorf("deleted volume: got %v, want ErrNoVolume", err)
			}
			if _, err := b.ReadFile(ctx, "Full-0003", 0); err != nil {
				t.Errorf("other volume: %v", err)
			}
		})
	}
}

func TestFileBackend_IndexSidecar(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	data, idx := buildVolumeFile(t, 128, 6, 50)
	if err := b.WriteFile(ctx, "Inc-0001", 0, data, idx); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadIndex(ctx, "Inc-0001", 0)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if got == nil || len(got.Entries) != len(idx.Entries) {
		t.Fatalf("index entries = %v, want %d", got, len(idx.Entries))
	}
	for i := range idx.Entries {
		if got.Entries[i] != idx.Entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got.Entries[i], idx.Entries[i])
		}
	}

	missingIdx, err := b.ReadIndex(ctx, "Inc-0001", 5)
	if err != nil || missingIdx != nil {
		t.Errorf("missing index = %v, %v; want nil, nil", missingIdx, err)
	}
}

func TestFileBackend_Stats(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_ = b.WriteFile(ctx, "A", 0, make([]byte, 100), nil)
	_ = b.WriteFile(ctx, "A", 1, make([]byte, 50), nil)
	_ = b.WriteFile(ctx, "B", 0, make([]byte, 10), nil)

	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Backend != "file" || st.Volumes != 2 {
		t.Errorf("stats = %+v, want file backend with 2 volumes", st)
	}
	if st.TotalBytes < 160 {
		t.Errorf("TotalBytes = %d, want >= 160", st.TotalBytes)
	}
}

func TestMemoryBackend_StatsTracksOverwrite(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(zap.NewNop())
	_ = b.WriteFile(ctx, "A", 0, make([]byte, 100), nil)
	_ = b.WriteFile(ctx, "A", 0, make([]byte, 40), nil)
	st, _ := b.Stats(ctx)
	if st.Volumes != 1 || st.TotalBytes != 40 {
		t.Errorf("stats = %+v, want 1 volume of 40 bytes", st)
	}
	_ = b.DeleteVolume(ctx, "A")
	st, _ = b.Stats(ctx)
	if st.Volumes != 0 || st.TotalBytes != 0 {
		t.Errorf("stats after delete = %+v", st)
	}
}

func TestS3Backend_Keys(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	b := NewS3Backend(mock, "test-bucket", "vols", zap.NewNop())

	data, idx := buildVolumeFile(t, 256, 4, 30)
	if err := b.WriteFile(ctx, "Full-0001", 3, data, idx); err != nil {
		t.Fatal(err)
	}

	mock.mu.RLock()
	_, hasVol := mock.objects["vols/Full-0001/0003.vol"]
	_, hasIdx := mock.objects["vols/Full-0001/0003.idx"]
	mock.mu.RUnlock()
	if !hasVol || !hasIdx {
		t.Errorf("objects: vol=%v idx=%v, want both", hasVol, hasIdx)
	}

	got, err := b.ReadIndex(ctx, "Full-0001", 3)
	if err != nil || got == nil || len(got.Entries) != len(idx.Entries) {
		t.Fatalf("ReadIndex = %v, %v", got, err)
	}
}

func TestS3Backend_DeletePaginates(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	mock.pageSize = 2
	b := NewS3Backend(mock, "test-bucket", "", zap.NewNop())

	for f := uint32(0); f < 5; f++ {
		data, idx := buildVolumeFile(t, 128, 1, 10)
		if err := b.WriteFile(ctx, "Diff-0001", f, data, idx); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.DeleteVolume(ctx, "Diff-0001"); err != nil {
		t.Fatalf("DeleteVolume: %v", err)
	}
	mock.mu.RLock()
	remaining := len(mock.objects)
	mock.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("remaining objects = %d, want 0", remaining)
	}
}

func TestS3Backend_GetError(t *testing.T) {
	mock := newMockS3()
	mock.getErr = fmt.Errorf("simulated S3 error")
	b := NewS3Backend(mock, "test-bucket", "", zap.NewNop())

	_, err := b.ReadFile(context.Background(), "Full-0001", 0)
	if err == nil || errors.Is(err, ErrNoVolume) {
		t.Fatalf("got %v, want a transport error", err)
	}
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewBackend(ctx, config.DeviceConfig{Name: "FileStorage", Type: "file", ArchiveDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBackend(file): %v", err)
	}
	if _, ok := b.(*FileBackend); !ok {
		t.Errorf("got %T, want *FileBackend", b)
	}

	b, err = NewBackend(ctx, config.DeviceConfig{Name: "Mem", Type: "memory"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBackend(memory): %v", err)
	}
	if _, ok := b.(*MemoryBackend); !ok {
		t.Errorf("got %T, want *MemoryBackend", b)
	}

	if _, err := NewBackend(ctx, config.DeviceConfig{Name: "Tape", Type: "tape"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}

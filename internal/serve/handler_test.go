package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/label"
	"github.com/gftdcojp/media-director/internal/lifecycle"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func newTestCatalog(t *testing.T) *catalog.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestHandler(t *testing.T) (*handler, *catalog.BoltStore) {
	t.Helper()
	store := newTestCatalog(t)
	lock := &catalog.DBLock{}
	reg := jobs.NewRegistry()
	pruner := prune.NewEngine(prune.Config{Store: store, Running: reg, Logger: zap.NewNop()})
	h := newHandler(Deps{
		Director:  "test-dir",
		Store:     store,
		Lock:      lock,
		Pruner:    pruner,
		Labeler:   label.NewLabeler(label.Config{Store: store, Lock: lock, Logger: zap.NewNop()}),
		Lifecycle: lifecycle.NewManager(store, pruner, lock, zap.NewNop()),
		Registry:  reg,
		Targets: func(_ context.Context, storage string) (label.Target, uint64, error) {
			return label.Target{Storage: storage}, 1, nil
		},
	}, zap.NewNop())
	return h, store
}

func seedVolume(t *testing.T, store catalog.Store, pool, name string, status types.VolStatus) *catalog.MediaRecord {
	t.Helper()
	ctx := context.Background()
	pr, err := store.GetPoolByName(ctx, pool)
	if err != nil {
		pr = &catalog.PoolRecord{Name: pool, Recycle: true, AutoPrune: true}
		if err := store.CreatePoolRecord(ctx, pr); err != nil {
			t.Fatal(err)
		}
	}
	mr := &catalog.MediaRecord{
		VolumeName:   name,
		PoolId:       pr.PoolId,
		MediaType:    "File",
		VolStatus:    status,
		Enabled:      types.VolEnabledState,
		Recycle:      true,
		VolBytes:     1 << 20,
		VolRetention: time.Hour,
	}
	if err := store.CreateMediaRecord(ctx, mr); err != nil {
		t.Fatal(err)
	}
	return mr
}

func do(t *testing.T, h *handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.routes().ServeHTTP(w, req)
	return w
}

func TestHandler_Status(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Registry.Register(&jobs.Job{JobId: 7, Job: "nightly.7"})

	w := do(t, h, "GET", "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["director"] != "test-dir" {
		t.Fatalf("unexpected status %v", resp)
	}
	if resp["running_jobs"] != float64(1) {
		t.Fatalf("expected 1 running job, got %v", resp["running_jobs"])
	}
}

func TestHandler_PoolsAndVolumes(t *testing.T) {
	h, store := newTestHandler(t)
	seedVolume(t, store, "Full", "Full-0001", types.VolAppend)
	seedVolume(t, store, "Full", "Full-0002", types.VolFull)

	w := do(t, h, "GET", "/v1/pools", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pools []map[string]any
	json.Unmarshal(w.Body.Bytes(), &pools)
	if len(pools) != 1 || pools[0]["num_vols"] != float64(2) {
		t.Fatalf("unexpected pools %v", pools)
	}

	w = do(t, h, "GET", "/v1/pools/Full/volumes?status=Full", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var vols []map[string]any
	json.Unmarshal(w.Body.Bytes(), &vols)
	if len(vols) != 1 || vols[0]["volume"] != "Full-0002" {
		t.Fatalf("unexpected volumes %v", vols)
	}
	if vols[0]["vol_size"] != "1.0 MiB" {
		t.Errorf("expected humanized size, got %v", vols[0]["vol_size"])
	}

	if w := do(t, h, "GET", "/v1/pools/Full/volumes?status=Bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
	if w := do(t, h, "GET", "/v1/pools/Nope/volumes", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown pool, got %d", w.Code)
	}
}

func TestHandler_GetVolume_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	w := do(t, h, "GET", "/v1/volumes/Missing-0001", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, store := newTestHandler(t)
	seedVolume(t, store, "Full", "Full-0001", types.VolFull)

	w := do(t, h, "POST", "/v1/volumes/Full-0001/status", statusRequest{Status: "archive", Enabled: "archived"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	mr, _ := store.GetMediaByName(context.Background(), "Full-0001")
	if mr.VolStatus != types.VolArchive || !mr.IsArchived() {
		t.Fatalf("expected archived volume, got %s/%s", mr.VolStatus, mr.Enabled)
	}

	// Archived volumes refuse pruning.
	if w := do(t, h, "POST", "/v1/volumes/Full-0001/prune", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 pruning an archived volume, got %d", w.Code)
	}

	if w := do(t, h, "POST", "/v1/volumes/Full-0001/status", statusRequest{Status: "Sleeping"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
	if w := do(t, h, "POST", "/v1/volumes/Full-0001/status", statusRequest{Status: "Full", Enabled: "maybe"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown enabled state, got %d", w.Code)
	}
}

func TestHandler_PurgeVolume(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	mr := seedVolume(t, store, "Full", "Full-0001", types.VolFull)
	jr := &catalog.JobRecord{Type: types.JobBackup, JobStatus: types.JobTerminated, JobTDate: time.Now()}
	store.CreateJobRecord(ctx, jr)
	store.CreateJobMediaRecord(ctx, &catalog.JobMediaRecord{JobId: jr.JobId, MediaId: mr.MediaId})

	// Retention has not expired, so prune keeps the job.
	w := do(t, h, "POST", "/v1/volumes/Full-0001/prune", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["purged"] != false {
		t.Fatalf("prune should not purge an unexpired volume: %v", resp)
	}

	w = do(t, h, "POST", "/v1/volumes/Full-0001/purge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	got, _ := store.GetMediaByName(ctx, "Full-0001")
	if got.VolStatus != types.VolPurged {
		t.Fatalf("expected Purged, got %s", got.VolStatus)
	}

	// Purged is not a purgeable status.
	if w := do(t, h, "POST", "/v1/volumes/Full-0001/purge", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 purging a purged volume, got %d", w.Code)
	}
}

func TestHandler_LabelRefused(t *testing.T) {
	h, store := newTestHandler(t)
	seedVolume(t, store, "Full", "Full-0001", types.VolAppend)

	tests := []struct {
		name string
		req  labelRequest
		code int
	}{
		{"illegal name", labelRequest{Volume: "bad name!", Pool: "Full", Storage: "File"}, http.StatusConflict},
		{"duplicate", labelRequest{Volume: "Full-0001", Pool: "Full", Storage: "File"}, http.StatusConflict},
		{"unknown pool", labelRequest{Volume: "New-0001", Pool: "Nope", Storage: "File"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/v1/label", tt.req)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d; body: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_Jobs(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	cr := &catalog.ClientRecord{Name: "web-fd"}
	store.CreateClientRecord(ctx, cr)
	store.CreateJobRecord(ctx, &catalog.JobRecord{Job: "a.1", ClientId: cr.ClientId, Type: types.JobBackup, JobStatus: types.JobTerminated})
	store.CreateJobRecord(ctx, &catalog.JobRecord{Job: "b.2", ClientId: cr.ClientId + 1, Type: types.JobBackup, JobStatus: types.JobTerminated})

	w := do(t, h, "GET", "/v1/jobs?client=web-fd", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var list []map[string]any
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0]["job"] != "a.1" || list[0]["type"] != "B" {
		t.Fatalf("unexpected jobs %v", list)
	}

	if w := do(t, h, "GET", "/v1/jobs?client=nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown client, got %d", w.Code)
	}
}

func TestHandler_JobMessages(t *testing.T) {
	h, _ := newTestHandler(t)
	j := &jobs.Job{JobId: 12, Job: "nightly.12"}
	j.Jmsg("Recycled volume %q", "Full-0003")
	h.Registry.Register(j)

	w := do(t, h, "GET", "/v1/jobs/12/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Messages []string `json:"messages"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Messages) != 1 || resp.Messages[0] != `Recycled volume "Full-0003"` {
		t.Fatalf("unexpected messages %v", resp.Messages)
	}

	if w := do(t, h, "GET", "/v1/jobs/13/messages", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a job that is not running, got %d", w.Code)
	}
	if w := do(t, h, "GET", "/v1/jobs/abc/messages", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid job ID, got %d", w.Code)
	}
}

func TestHandler_Devices(t *testing.T) {
	h, _ := newTestHandler(t)
	backend := device.NewMemoryBackend(zap.NewNop())
	if err := backend.WriteFile(context.Background(), "Full-0001", 0, make([]byte, 2048), nil); err != nil {
		t.Fatal(err)
	}
	h.Devices = []*device.Device{device.New(device.Config{
		Name:      "FileStorage",
		MediaType: "File",
		Backend:   backend,
		Logger:    zap.NewNop(),
	})}

	w := do(t, h, "GET", "/v1/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []map[string]any
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0]["name"] != "FileStorage" {
		t.Fatalf("unexpected devices %v", list)
	}
	stats, _ := list[0]["backend"].(map[string]any)
	if stats["volumes"] != float64(1) || stats["total_bytes"] != float64(2048) {
		t.Fatalf("unexpected backend stats %v", list[0]["backend"])
	}
}

func TestHandler_PruneCycle(t *testing.T) {
	h, _ := newTestHandler(t)
	w := do(t, h, "POST", "/v1/admin/prune", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["purged_volumes"] != 0 {
		t.Fatalf("unexpected result %v", resp)
	}
}

type fakeJobs struct {
	submitted []jobs.Request
	finished  map[uint64]types.JobStatus
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.Request) (*jobs.Job, error) {
	if _, _, err := req.Codes(); err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, req)
	return &jobs.Job{Name: req.Name, PoolName: req.Pool, ClientName: req.Client, Priority: req.Priority}, nil
}

func (f *fakeJobs) Finish(_ context.Context, jobId uint64, status types.JobStatus, _ uint32, _ uint64) error {
	if jobId != 5 {
		return errors.New("job not running")
	}
	f.finished[jobId] = status
	return nil
}

func TestHandler_SubmitAndFinishJob(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(t, h, "POST", "/v1/jobs", jobs.Request{Name: "nightly", Type: "B", Client: "fd1", Pool: "Full"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without job control, got %d", w.Code)
	}

	fj := &fakeJobs{finished: make(map[uint64]types.JobStatus)}
	h.Jobs = fj

	w = do(t, h, "POST", "/v1/jobs", jobs.Request{Name: "nightly", Type: "B", Client: "fd1", Pool: "Full", Priority: 10})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["name"] != "nightly" || resp["priority"] != float64(10) {
		t.Fatalf("unexpected response %v", resp)
	}

	w = do(t, h, "POST", "/v1/jobs", jobs.Request{Name: "nightly", Type: "Backup"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad type, got %d", w.Code)
	}
	if len(fj.submitted) != 1 {
		t.Fatalf("expected 1 submitted job, got %d", len(fj.submitted))
	}

	w = do(t, h, "POST", "/v1/jobs/5/finish", map[string]any{"status": "T", "files": 3, "bytes": 4096})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	if fj.finished[5] != types.JobTerminated {
		t.Fatalf("expected terminated, got %v", fj.finished[5])
	}

	w = do(t, h, "POST", "/v1/jobs/6/finish", map[string]any{"status": "T"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", w.Code)
	}
	w = do(t, h, "POST", "/v1/jobs/5/finish", map[string]any{"status": "Terminated"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}
}

type fakeChanger map[string][]label.Slot

func (f fakeChanger) Slots(_ context.Context, storage string) ([]label.Slot, error) {
	slots, ok := f[storage]
	if !ok {
		return nil, errors.New("changer offline")
	}
	return slots, nil
}

func TestHandler_LabelBarcodes(t *testing.T) {
	h, store := newTestHandler(t)
	seedVolume(t, store, "Full", "Full-0001", types.VolAppend)

	w := do(t, h, "POST", "/v1/label/barcodes", barcodesRequest{Pool: "Full", Storage: "Tape1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a changer, got %d", w.Code)
	}

	h.Changer = fakeChanger{"Tape1": {
		{Number: 1, Barcode: "Full-0001", Flags: types.SlotFull},
		{Number: 2, Barcode: "CLN001", Flags: types.SlotFull | types.SlotCleaning},
		{Number: 3},
	}}
	w = do(t, h, "POST", "/v1/label/barcodes", barcodesRequest{Pool: "Full", Storage: "Tape1", MediaType: "LTO-8"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []struct {
			Slot    int    `json:"slot"`
			Barcode string `json:"barcode"`
			Status  string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", resp.Results)
	}
	if resp.Results[0].Status != "exists" || resp.Results[1].Status != "cleaning" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}
	cln, err := store.GetMediaByName(context.Background(), "CLN001")
	if err != nil {
		t.Fatal(err)
	}
	if cln.VolStatus != types.VolCleaning || cln.Slot != 2 {
		t.Fatalf("unexpected cleaning record %+v", cln)
	}

	w = do(t, h, "POST", "/v1/label/barcodes", barcodesRequest{Pool: "Full", Storage: "Tape2"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an unreadable changer, got %d", w.Code)
	}
	w = do(t, h, "POST", "/v1/label/barcodes", barcodesRequest{Storage: "Tape1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without pool, got %d", w.Code)
	}
}

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(func() { ns.Shutdown() })
	return ns.ClientURL()
}

func TestNATSResponder(t *testing.T) {
	store := newTestCatalog(t)
	seedVolume(t, store, "Full", "Full.0001", types.VolAppend)

	nc, err := nats.Connect(startEmbeddedNATS(t))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunNATSResponder(ctx, nc, config.NATSResponderConfig{Enabled: true, SubjectPrefix: "test"}, store, zap.NewNop())
	}()

	var reply *nats.Msg
	deadline := time.Now().Add(5 * time.Second)
	for {
		reply, err = nc.Request("test.query.volume.Full.0001", nil, time.Second)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	var vol map[string]any
	json.Unmarshal(reply.Data, &vol)
	if vol["volume"] != "Full.0001" || vol["status"] != "Append" {
		t.Fatalf("unexpected reply %s", reply.Data)
	}

	reply, err = nc.Request("test.query.volume.Missing", nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var errResp map[string]string
	json.Unmarshal(reply.Data, &errResp)
	if errResp["error"] == "" {
		t.Fatalf("expected an error reply, got %s", reply.Data)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

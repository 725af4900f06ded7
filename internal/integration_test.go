package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/media-director/internal/catreq"
	"github.com/gftdcojp/media-director/internal/channel"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/director"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/label"
	"github.com/gftdcojp/media-director/internal/serve"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

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
		t.Fatalf("failed to create nats-server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(func() { ns.Shutdown() })
	return ns.ClientURL()
}

func integrationConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Director.Name = "it-dir"
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "catalog.db")
	cfg.API.NATSResponder.SubjectPrefix = "it"
	cfg.Storages = []config.StorageConfig{
		{Name: "File1", Protocol: "native", Device: "FileStorage", MediaType: "File"},
	}
	cfg.Pools = []config.PoolConfig{{
		Name:         "Full",
		Storage:      "File1",
		LabelFormat:  "Full-",
		MaxVols:      10,
		VolRetention: config.Duration(30 * 24 * time.Hour),
	}}
	cfg.Clients = []config.ClientConfig{{Name: "fd1"}}
	cfg.Devices = []config.DeviceConfig{{Name: "FileStorage", Type: "memory", MediaType: "File"}}
	return cfg
}

// request retries until the responder's subscription is live.
func request(t *testing.T, nc *nats.Conn, subject, data string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := nc.Request(subject, []byte(data), time.Second)
		if err == nil {
			return string(msg.Data)
		}
		if time.Now().After(deadline) {
			t.Fatalf("request %s: %v", subject, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestIntegration_BackupVolumeFlow drives a job through the director the way
// a storage daemon would: volume selection, job media, status update, label
// of a second volume, then an auto-prune cycle that must keep the volume.
func TestIntegration_BackupVolumeFlow(t *testing.T) {
	nc, err := nats.Connect(startEmbeddedNATS(t))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := integrationConfig(t)
	logger := zap.NewNop()
	d, err := director.New(ctx, cfg, nc, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	go catreq.RunNATSResponder(ctx, nc, cfg.API.NATSResponder, d.CatReq, logger)
	go serve.RunNATSResponder(ctx, nc, cfg.API.NATSResponder, d.Store, logger)
	go d.RunScheduler(ctx)

	j, err := d.Submit(ctx, jobs.Request{Name: "nightly", Type: "B", Level: "F", Client: "fd1", Pool: "Full"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for j.Status() != types.JobRunning {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rj, ok := d.Registry.LookupByName(j.Job)
	if !ok {
		t.Fatalf("job %s not registered", j.Job)
	}

	// Storage daemon asks for a volume; the pool is empty so one is created.
	reply := request(t, nc, "it.catreq.req",
		fmt.Sprintf("CatReq Job=%s FindMedia=1 pool_name=Full media_type=File unwanted_volumes=", j.Job))
	if !strings.HasPrefix(reply, "1000 OK VolName=Full-0001 ") {
		t.Fatalf("unexpected FindMedia reply %q", reply)
	}
	mr, err := d.Store.GetMediaByName(ctx, "Full-0001")
	if err != nil {
		t.Fatal(err)
	}

	reply = request(t, nc, "it.catreq.req", fmt.Sprintf(
		"CatReq Job=%s CreateJobMedia FirstIndex=1 LastIndex=50 StartFile=0 EndFile=0 StartBlock=0 EndBlock=400 Copy=0 Strip=0 MediaId=%d",
		j.Job, mr.MediaId))
	if reply != "1000 OK CreateJobMedia" {
		t.Fatalf("unexpected CreateJobMedia reply %q", reply)
	}

	reply = request(t, nc, "it.catreq.req", fmt.Sprintf(
		"CatReq Job=%s UpdateMedia VolName=Full-0001 VolJobs=1 VolFiles=50 VolBlocks=400 VolBytes=52428800 VolMounts=1 VolErrors=0 VolWrites=400 MaxVolBytes=0 EndTime=%d VolStatus=Full Slot=0 relabel=0 InChanger=0 VolReadTime=0 VolWriteTime=10 VolFirstWritten=0",
		j.Job, time.Now().Unix()))
	if !strings.HasPrefix(reply, "1000 OK VolName=Full-0001 ") {
		t.Fatalf("unexpected UpdateMedia reply %q", reply)
	}

	// The query responder sees the storage daemon's update.
	var vol map[string]any
	if err := json.Unmarshal([]byte(request(t, nc, "it.query.volume.Full-0001", "")), &vol); err != nil {
		t.Fatal(err)
	}
	if vol["status"] != string(types.VolFull) || vol["vol_size"] != "50 MiB" {
		t.Fatalf("unexpected volume %v", vol)
	}

	// Label a second volume through a storage daemon session over NATS.
	ln, err := channel.Listen(nc, "it.sd.File1", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	nc.Flush()

	sdDone := make(chan string, 1)
	go func() {
		sd, err := ln.Accept(ctx)
		if err != nil {
			sdDone <- ""
			return
		}
		defer sd.Close()
		cmd, _ := sd.Recv(ctx)
		sd.Send(ctx, `3000 OK label. VolBytes=64512 VolABytes=0 VolType=1 Volume="Full-0002" Device="FileStorage"`)
		sd.SignalEOD(ctx)
		sdDone <- cmd
	}()

	target, storageId, err := d.Target(ctx, "File1")
	if err != nil {
		t.Fatal(err)
	}
	labeled, err := d.Labeler.Label(ctx, label.Command{
		Target:     target,
		StorageId:  storageId,
		VolumeName: "Full-0002",
		Pool:       "Full",
		MediaType:  "File",
	}, func(string) {})
	if err != nil {
		t.Fatal(err)
	}
	if cmd := <-sdDone; !strings.HasPrefix(cmd, "label FileStorage VolumeName=Full-0002 ") {
		t.Fatalf("storage daemon got %q", cmd)
	}
	if labeled.VolBytes != 64512 || labeled.VolStatus != types.VolAppend {
		t.Fatalf("unexpected labeled volume %+v", labeled)
	}

	if err := d.Finish(ctx, rj.JobId, types.JobTerminated, 50, 52428800); err != nil {
		t.Fatal(err)
	}

	// The job is within retention, so the Full volume keeps its job.
	res, err := d.Lifecycle.Cycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Purged != 0 {
		t.Fatalf("expected nothing purged, got %+v", res)
	}
	mr, err = d.Store.GetMediaByName(ctx, "Full-0001")
	if err != nil {
		t.Fatal(err)
	}
	if mr.VolStatus != types.VolFull {
		t.Fatalf("expected Full, got %s", mr.VolStatus)
	}
	pr, err := d.Store.GetPoolByName(ctx, "Full")
	if err != nil {
		t.Fatal(err)
	}
	if pr.NumVols != 2 {
		t.Fatalf("expected 2 volumes in pool, got %d", pr.NumVols)
	}
}

// Package director assembles the catalog, volume engine, label protocol,
// catalog request handler and devices from the configuration.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/catreq"
	"github.com/gftdcojp/media-director/internal/channel"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/label"
	"github.com/gftdcojp/media-director/internal/lifecycle"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/gftdcojp/media-director/internal/volume"
	"github.com/gftdcojp/media-director/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Director owns every long-lived component of the process.
type Director struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	Store     *catalog.BoltStore
	Lock      *catalog.DBLock
	Registry  *jobs.Registry
	Scheduler *jobs.Scheduler
	Pruner    *prune.Engine
	Selector  *volume.Selector
	Labeler   *label.Labeler
	// Changer is nil without a NATS connection to reach storage daemons.
	Changer   label.ChangerInventory
	CatReq    *catreq.Handler
	Lifecycle *lifecycle.Manager
	Devices   []*device.Device
	S3Clients map[string]*s3util.Client

	jobSeq atomic.Int64
}

// New opens the catalog, synchronizes it with the configuration and builds
// the components. nc may be nil, in which case labeling has no dialer.
func New(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (*Director, error) {
	store, err := catalog.NewBoltStore(cfg.Catalog.Path, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	d, err := build(ctx, cfg, store, nc, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func build(ctx context.Context, cfg *config.Config, store *catalog.BoltStore, nc *nats.Conn, logger *zap.Logger) (*Director, error) {
	if err := SyncCatalog(ctx, store, cfg, logger); err != nil {
		return nil, fmt.Errorf("synchronizing catalog: %w", err)
	}

	kek, err := label.DeriveKEK(cfg.Director.KeyEncryptionKey)
	if err != nil {
		return nil, err
	}
	keys := label.NewKeyGenerator(label.RandomProvider{}, kek)

	d := &Director{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		Store:     store,
		Lock:      &catalog.DBLock{},
		Registry:  jobs.NewRegistry(),
		Scheduler: jobs.NewScheduler(logger),
		S3Clients: make(map[string]*s3util.Client),
	}
	d.Pruner = prune.NewEngine(prune.Config{
		Store:   store,
		Running: d.Registry,
		Logger:  logger,
	})
	d.Selector = volume.NewSelector(volume.Config{
		Store:      store,
		Pruner:     d.Pruner,
		Lock:       d.Lock,
		Logger:     logger,
		MaxRetries: cfg.Allocator.MaxRetries,
		Keys:       keys,
	})
	d.CatReq = catreq.NewHandler(catreq.Config{
		Store:    store,
		Selector: d.Selector,
		Jobs:     d.Registry,
		Logger:   logger,
		Create:   cfg.Allocator.Create,
		Prune:    cfg.Allocator.Prune,
	})

	var dialer label.Dialer
	if nc != nil {
		dialer = &channel.NATSDialer{NC: nc, Subjects: storageSubjects(cfg)}
	}
	d.Labeler = label.NewLabeler(label.Config{
		Store:  store,
		Lock:   d.Lock,
		Dialer: dialer,
		Keys:   keys,
		Logger: logger,
	})
	if dialer != nil {
		d.Changer = &label.SDInventory{Dialer: dialer, Resolve: d.Target}
	}
	d.Lifecycle = lifecycle.NewManager(store, d.Pruner, d.Lock, logger)

	for _, dc := range cfg.Devices {
		backend, err := d.newBackend(ctx, dc)
		if err != nil {
			d.closeDevices()
			return nil, err
		}
		d.Devices = append(d.Devices, device.New(device.Config{
			Name:         dc.Name,
			MediaType:    dc.MediaType,
			Backend:      backend,
			MaxBlockSize: int(dc.MaxBlockSize),
			Logger:       logger,
		}))
	}
	return d, nil
}

// newBackend keeps the S3 clients so the health checker can ping them.
func (d *Director) newBackend(ctx context.Context, dc config.DeviceConfig) (device.Backend, error) {
	if dc.Type != "s3" {
		return device.NewBackend(ctx, dc, d.logger)
	}
	client, err := s3util.NewClient(ctx, dc.S3)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dc.Name, err)
	}
	d.S3Clients[dc.Name] = client
	return device.NewS3Backend(client.S3, client.Bucket, client.Prefix,
		d.logger.Named("backend").With(zap.String("device", dc.Name))), nil
}

func storageSubjects(cfg *config.Config) map[string]string {
	prefix := cfg.API.NATSResponder.SubjectPrefix
	if prefix == "" {
		prefix = "md"
	}
	subjects := make(map[string]string, len(cfg.Storages))
	for _, sc := range cfg.Storages {
		subject := sc.Subject
		if subject == "" {
			subject = prefix + ".sd." + sc.Name
		}
		subjects[sc.Name] = subject
	}
	return subjects
}

// Device returns the configured device with the given name.
func (d *Director) Device(name string) (*device.Device, bool) {
	for _, dev := range d.Devices {
		if dev.Name() == name {
			return dev, true
		}
	}
	return nil, false
}

// Target resolves a storage name into its label target and catalog id.
func (d *Director) Target(ctx context.Context, storage string) (label.Target, uint64, error) {
	t, err := d.target(storage, 0)
	if err != nil {
		return label.Target{}, 0, err
	}
	sr, err := d.Store.GetStorageByName(ctx, storage)
	if err != nil {
		return label.Target{}, 0, fmt.Errorf("storage %q: %w", storage, err)
	}
	return t, sr.StorageId, nil
}

func (d *Director) target(storage string, depth int) (label.Target, error) {
	sc, ok := d.cfg.Storage(storage)
	if !ok {
		return label.Target{}, fmt.Errorf("storage %q: %w", storage, catalog.ErrNotFound)
	}
	proto, ok := types.ParseStorageProtocol(sc.Protocol)
	if !ok {
		return label.Target{}, fmt.Errorf("storage %q: unknown protocol %q", storage, sc.Protocol)
	}
	t := label.Target{
		Storage:  sc.Name,
		Protocol: proto,
		Device:   sc.Device,
		Timeout:  sc.LabelTimeout.Duration(),
	}
	if sc.PairedStorage != "" && depth == 0 {
		paired, err := d.target(sc.PairedStorage, depth+1)
		if err != nil {
			return label.Target{}, err
		}
		t.Paired = &paired
	}
	return t, nil
}

func (d *Director) closeDevices() {
	for _, dev := range d.Devices {
		if err := dev.Backend().Close(); err != nil {
			d.logger.Warn("closing device backend", zap.String("device", dev.Name()), zap.Error(err))
		}
	}
	d.Devices = nil
}

// Close stops the scheduler and releases devices and the catalog.
func (d *Director) Close() error {
	d.Scheduler.Close()
	d.closeDevices()
	return d.Store.Close()
}

// ErrUnknownJob is returned by Finish for a job that is not running.
var ErrUnknownJob = errors.New("director: job not running")

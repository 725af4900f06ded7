package director

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/config"
	"go.uber.org/zap"
)

// SyncCatalog creates or updates the configured storages, pools and clients
// in the catalog. Pool references are resolved after every pool exists.
func SyncCatalog(ctx context.Context, store catalog.Store, cfg *config.Config, logger *zap.Logger) error {
	for _, sc := range cfg.Storages {
		if err := syncStorage(ctx, store, &sc); err != nil {
			return err
		}
	}

	ids := make(map[string]uint64, len(cfg.Pools))
	for i := range cfg.Pools {
		pr, created, err := syncPool(ctx, store, &cfg.Pools[i])
		if err != nil {
			return err
		}
		ids[pr.Name] = pr.PoolId
		if created {
			logger.Info("created pool", zap.String("pool", pr.Name))
		}
	}
	for i := range cfg.Pools {
		pc := &cfg.Pools[i]
		if pc.RecyclePool == "" && pc.ScratchPool == "" {
			continue
		}
		pr, err := store.GetPoolByName(ctx, pc.Name)
		if err != nil {
			return err
		}
		pr.RecyclePoolId = ids[pc.RecyclePool]
		pr.ScratchPoolId = ids[pc.ScratchPool]
		if err := store.UpdatePoolRecord(ctx, pr); err != nil {
			return fmt.Errorf("updating pool %q references: %w", pc.Name, err)
		}
	}

	for _, cc := range cfg.Clients {
		if err := syncClient(ctx, store, &cc); err != nil {
			return err
		}
	}

	logger.Info("catalog synchronized",
		zap.Int("storages", len(cfg.Storages)),
		zap.Int("pools", len(cfg.Pools)),
		zap.Int("clients", len(cfg.Clients)),
	)
	return nil
}

func syncStorage(ctx context.Context, store catalog.Store, sc *config.StorageConfig) error {
	_, err := store.GetStorageByName(ctx, sc.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	if err := store.CreateStorageRecord(ctx, &catalog.StorageRecord{Name: sc.Name, AutoChanger: sc.Autochanger}); err != nil {
		return fmt.Errorf("creating storage %q: %w", sc.Name, err)
	}
	return nil
}

// poolFromConfig copies the configured policy onto pr; ids and counters are kept.
func poolFromConfig(pr *catalog.PoolRecord, pc *config.PoolConfig) {
	pr.Name = pc.Name
	pr.PoolType = pc.PoolType
	if pr.PoolType == "" {
		pr.PoolType = "Backup"
	}
	pr.MaxVols = uint32(pc.MaxVols)
	pr.LabelFormat = pc.LabelFormat
	pr.Enabled = true
	pr.UseOnce = pc.UseVolumeOnce
	pr.Recycle = pc.RecycleEnabled()
	pr.AutoPrune = pc.AutoPruneEnabled()
	pr.RecycleOldestVolume = pc.RecycleOldestVolume
	pr.PurgeOldestVolume = pc.PurgeOldestVolume
	pr.RecycleCurrentVolume = pc.RecycleCurrentVolume
	pr.EncryptVolumes = pc.EncryptVolumes
	pr.MaxVolBytes = uint64(pc.MaxVolBytes)
	pr.MaxVolJobs = uint32(pc.MaxVolJobs)
	pr.MaxVolFiles = uint32(pc.MaxVolFiles)
	pr.VolUseDuration = pc.VolUseDuration.Duration()
	pr.VolRetention = pc.VolRetention.Duration()
	pr.JobRetention = pc.JobRetention.Duration()
	pr.FileRetention = pc.FileRetention.Duration()
	pr.MinBlocksize = uint32(pc.MinBlocksize)
	pr.MaxBlocksize = uint32(pc.MaxBlocksize)
}

func syncPool(ctx context.Context, store catalog.Store, pc *config.PoolConfig) (*catalog.PoolRecord, bool, error) {
	pr, err := store.GetPoolByName(ctx, pc.Name)
	if errors.Is(err, catalog.ErrNotFound) {
		pr = &catalog.PoolRecord{}
		poolFromConfig(pr, pc)
		if err := store.CreatePoolRecord(ctx, pr); err != nil {
			return nil, false, fmt.Errorf("creating pool %q: %w", pc.Name, err)
		}
		return pr, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	poolFromConfig(pr, pc)
	if err := store.UpdatePoolRecord(ctx, pr); err != nil {
		return nil, false, fmt.Errorf("updating pool %q: %w", pc.Name, err)
	}
	return pr, false, nil
}

func syncClient(ctx context.Context, store catalog.Store, cc *config.ClientConfig) error {
	cr, err := store.GetClientByName(ctx, cc.Name)
	if errors.Is(err, catalog.ErrNotFound) {
		cr = &catalog.ClientRecord{Name: cc.Name}
		err = nil
	}
	if err != nil {
		return err
	}
	cr.AutoPrune = cc.AutoPruneEnabled()
	cr.JobRetention = cc.JobRetention.Duration()
	cr.FileRetention = cc.FileRetention.Duration()
	if cr.ClientId == 0 {
		err = store.CreateClientRecord(ctx, cr)
	} else {
		err = store.UpdateClientRecord(ctx, cr)
	}
	if err != nil {
		return fmt.Errorf("syncing client %q: %w", cc.Name, err)
	}
	return nil
}

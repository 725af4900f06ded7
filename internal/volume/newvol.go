package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// simpleNameAttempts bounds the numbered names tried for a plain label format.
const simpleNameAttempts = 10

// KeyGenerator produces the catalog form of a new volume encryption key.
type KeyGenerator interface {
	GenerateNewEncryptionKey() (string, error)
}

// NewVolume creates an Append volume in the pool from its label format. It
// returns nil when the pool is full or has no automatic label format.
func (s *Selector) NewVolume(ctx context.Context, job *jobs.Job, pool *catalog.PoolRecord, mediaType string, storageId uint64) (*catalog.MediaRecord, error) {
	pr, err := s.store.GetPoolRecord(ctx, pool.PoolId)
	if err != nil {
		return nil, err
	}
	if pr.MaxVols > 0 && pr.NumVols >= pr.MaxVols {
		s.logger.Debug("pool is full, not creating a volume",
			zap.String("pool", pr.Name), zap.Uint32("max_vols", pr.MaxVols))
		return nil, nil
	}
	if pr.LabelFormat == "" || pr.LabelFormat == "*" {
		return nil, nil
	}

	name, err := s.nextVolumeName(ctx, job, pr, mediaType)
	if err != nil {
		jmsg(job, s.logger, "Cannot create volume in pool %q: %v", pr.Name, err)
		return nil, nil
	}

	mr := &catalog.MediaRecord{
		VolumeName: name,
		PoolId:     pr.PoolId,
		StorageId:  storageId,
		MediaType:  mediaType,
		VolStatus:  types.VolAppend,
		Enabled:    types.VolEnabledState,
	}
	ApplyPoolDefaults(mr, pr)
	if pr.EncryptVolumes && s.keys != nil {
		key, err := s.keys.GenerateNewEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("generating encryption key for %q: %w", name, err)
		}
		mr.EncrKey = key
	}
	if err := s.store.CreateMediaRecord(ctx, mr); err != nil {
		return nil, fmt.Errorf("creating volume %q: %w: %w", name, ErrStateTransition, err)
	}

	metrics.VolumesCreated.WithLabelValues(pr.Name).Inc()
	jmsg(job, s.logger, "Created new Volume %q in catalog.", name)
	return mr, nil
}

func (s *Selector) nextVolumeName(ctx context.Context, job *jobs.Job, pr *catalog.PoolRecord, mediaType string) (string, error) {
	if !IsTemplate(pr.LabelFormat) {
		return s.CreateSimpleName(ctx, pr)
	}

	vars := LabelVars{
		Pool:      pr.Name,
		NumVols:   pr.NumVols + 1,
		MediaType: mediaType,
		Time:      s.now(),
	}
	if job != nil {
		vars.JobId = job.JobId
		vars.Job = job.Job
		vars.JobName = job.Name
		vars.Client = job.ClientName
		vars.Level = job.Level.String()
		vars.Type = job.Type.String()
	}
	name, err := ExpandLabelFormat(pr.LabelFormat, vars)
	if err != nil {
		return "", err
	}
	if ok, reason := IsVolumeNameLegal(name); !ok {
		return "", errors.New(reason)
	}
	exists, err := s.volumeExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("volume %q already exists", name)
	}
	return name, nil
}

// CreateSimpleName appends a four digit counter to a literal label format and
// returns the first of the next few numbers that is not yet in the catalog.
func (s *Selector) CreateSimpleName(ctx context.Context, pr *catalog.PoolRecord) (string, error) {
	if ok, reason := IsVolumeNameLegal(pr.LabelFormat); !ok {
		return "", errors.New(reason)
	}
	for n := pr.NumVols + 1; n <= pr.NumVols+simpleNameAttempts; n++ {
		name := fmt.Sprintf("%s%04d", pr.LabelFormat, n)
		exists, err := s.volumeExists(ctx, name)
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free volume name for format %q after %d attempts", pr.LabelFormat, simpleNameAttempts)
}

func (s *Selector) volumeExists(ctx context.Context, name string) (bool, error) {
	_, err := s.store.GetMediaByName(ctx, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

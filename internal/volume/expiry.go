package volume

import (
	"context"
	"fmt"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/types"
)

// HasVolumeExpired applies the pool's use limits to an Append volume that
// holds data and persists Full or Used when one is reached. A volume that is
// already Full or Used reports true without further change.
func (r *Recycler) HasVolumeExpired(ctx context.Context, job *jobs.Job, mr *catalog.MediaRecord) (bool, error) {
	switch mr.VolStatus {
	case types.VolFull, types.VolUsed:
		return true, nil
	case types.VolAppend:
	default:
		return false, nil
	}
	if mr.VolJobs == 0 || mr.IsArchived() {
		return false, nil
	}

	pool, err := r.store.GetPoolRecord(ctx, mr.PoolId)
	if err != nil {
		return false, fmt.Errorf("pool of volume %q: %w", mr.VolumeName, err)
	}
	useOnce := pool.UseOnce

	var status types.VolStatus
	var msg string
	switch {
	case mr.MaxVolBytes > 0 && mr.VolBytes >= mr.MaxVolBytes:
		status = types.VolFull
		msg = fmt.Sprintf("Max Volume bytes=%s exceeded. Marking Volume %q as Full.",
			bytesString(mr.MaxVolBytes), mr.VolumeName)
	case useOnce && mr.VolBytes > 0:
		status = types.VolUsed
		msg = fmt.Sprintf("Volume used once. Marking Volume %q as Used.", mr.VolumeName)
	case mr.MaxVolJobs > 0 && mr.VolJobs >= mr.MaxVolJobs:
		status = types.VolUsed
		msg = fmt.Sprintf("Max Volume jobs=%d exceeded. Marking Volume %q as Used.", mr.MaxVolJobs, mr.VolumeName)
	case mr.MaxVolFiles > 0 && mr.VolFiles >= mr.MaxVolFiles:
		status = types.VolUsed
		msg = fmt.Sprintf("Max Volume files=%d exceeded. Marking Volume %q as Used.", mr.MaxVolFiles, mr.VolumeName)
	case mr.VolUseDuration > 0 && !mr.FirstWritten.IsZero() && r.now().Sub(mr.FirstWritten) >= mr.VolUseDuration:
		status = types.VolUsed
		msg = fmt.Sprintf("Max configured use duration=%s exceeded. Marking Volume %q as Used.",
			mr.VolUseDuration, mr.VolumeName)
	default:
		return false, nil
	}

	mr.VolStatus = status
	if err := r.store.UpdateMediaRecord(ctx, mr); err != nil {
		return true, fmt.Errorf("marking volume %q %s: %w: %w", mr.VolumeName, status, ErrStateTransition, err)
	}
	jmsg(job, r.logger, "%s", msg)
	return true, nil
}

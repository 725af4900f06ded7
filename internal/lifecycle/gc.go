package lifecycle

import (
	"context"
	"slices"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

var prunableStatuses = []types.VolStatus{types.VolFull, types.VolUsed}

func isPrunable(mr *catalog.MediaRecord) bool {
	return !mr.IsArchived() && slices.Contains(prunableStatuses, mr.VolStatus)
}

// CollectOrphans removes JobMedia rows that reference a deleted job or
// volume. This can happen if the director stops between deleting a job and
// its JobMedia rows in an older catalog.
func CollectOrphans(ctx context.Context, store catalog.Store, lock *catalog.DBLock, logger *zap.Logger) (int, error) {
	defer lock.Acquire()()

	n, err := store.DeleteOrphanJobMedia(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warn("orphaned jobmedia rows found, cleaned up", zap.Int("rows", n))
		metrics.PrunedRecords.WithLabelValues("jobmedia").Add(float64(n))
	}
	return n, nil
}

package director

import (
	"context"
	"fmt"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// Submit validates the request and queues the job. The job gets its id
// and unique name when the scheduler starts it.
func (d *Director) Submit(ctx context.Context, req jobs.Request) (*jobs.Job, error) {
	jobType, level, err := req.Codes()
	if err != nil {
		return nil, err
	}
	cr, err := d.Store.GetClientByName(ctx, req.Client)
	if err != nil {
		return nil, fmt.Errorf("job %s: client %q: %w", req.Name, req.Client, err)
	}
	pr, err := d.Store.GetPoolByName(ctx, req.Pool)
	if err != nil {
		return nil, fmt.Errorf("job %s: pool %q: %w", req.Name, req.Pool, err)
	}

	storage := req.Storage
	if storage == "" {
		if pc, ok := d.cfg.Pool(pr.Name); ok {
			storage = pc.Storage
		}
	}
	mediaType := req.MediaType
	if mediaType == "" {
		if sc, ok := d.cfg.Storage(storage); ok {
			mediaType = sc.MediaType
		}
	}

	j := &jobs.Job{
		Name:        req.Name,
		Type:        jobType,
		Level:       level,
		Priority:    req.Priority,
		PoolId:      pr.PoolId,
		PoolName:    pr.Name,
		ClientId:    cr.ClientId,
		ClientName:  cr.Name,
		FileSetId:   req.FileSetId,
		StorageName: storage,
		MediaType:   mediaType,
		SchedTime:   d.now(),
	}
	j.SetStatus(types.JobCreated)
	if err := d.Scheduler.Enqueue(j); err != nil {
		return nil, err
	}
	d.logger.Info("job queued", zap.String("job", j.Name), zap.String("pool", j.PoolName), zap.Int("priority", j.Priority))
	return j, nil
}

// Start creates the job's catalog row and registers it as running.
func (d *Director) Start(ctx context.Context, j *jobs.Job) error {
	start := d.now()
	j.Job = jobs.UniqueName(j.Name, j.SchedTime, int(d.jobSeq.Add(1)))
	jr := &catalog.JobRecord{
		Job:       j.Job,
		Name:      j.Name,
		Type:      j.Type,
		Level:     j.Level,
		JobStatus: types.JobRunning,
		ClientId:  j.ClientId,
		PoolId:    j.PoolId,
		FileSetId: j.FileSetId,
		SchedTime: j.SchedTime,
		StartTime: start,
		JobTDate:  start,
	}
	if err := d.Store.CreateJobRecord(ctx, jr); err != nil {
		return fmt.Errorf("creating job record: %w", err)
	}
	j.JobId = jr.JobId
	if err := d.Registry.Register(j); err != nil {
		return err
	}
	j.SetStatus(types.JobRunning)
	j.Jmsg("Start %s JobId %d, Job=%s", jobVerb(j.Type), j.JobId, j.Job)
	d.logger.Info("job started", zap.Uint64("job_id", j.JobId), zap.String("job", j.Job))
	return nil
}

func jobVerb(t types.JobType) string {
	switch t {
	case types.JobBackup:
		return "Backup"
	case types.JobRestore:
		return "Restore"
	case types.JobVerify:
		return "Verify"
	case types.JobJobCopy, types.JobCopy:
		return "Copy"
	case types.JobMigrate, types.JobMigratedJob:
		return "Migration"
	}
	return "Job"
}

// Finish records the outcome of a running job and unregisters it.
func (d *Director) Finish(ctx context.Context, jobId uint64, status types.JobStatus, files uint32, bytes uint64) error {
	j, ok := d.Registry.Lookup(jobId)
	if !ok {
		return fmt.Errorf("job %d: %w", jobId, ErrUnknownJob)
	}
	defer d.Registry.Unregister(jobId)

	jr, err := d.Store.GetJobRecord(ctx, jobId)
	if err != nil {
		return err
	}
	end := d.now()
	jr.JobStatus = status
	jr.JobFiles = files
	jr.JobBytes = bytes
	jr.EndTime = end
	jr.JobTDate = end
	if err := d.Store.UpdateJobRecord(ctx, jr); err != nil {
		return fmt.Errorf("updating job %d: %w", jobId, err)
	}
	if files > 0 {
		if err := d.Store.AddFiles(ctx, jobId, uint64(files)); err != nil {
			return err
		}
	}
	j.SetStatus(status)
	d.logger.Info("job finished",
		zap.Uint64("job_id", jobId),
		zap.String("job", jr.Job),
		zap.Stringer("status", status),
		zap.Uint32("files", files),
		zap.Uint64("bytes", bytes),
	)
	return nil
}

// RunScheduler starts queued jobs until ctx is done.
func (d *Director) RunScheduler(ctx context.Context) error {
	return d.Scheduler.Run(ctx, d.Start)
}

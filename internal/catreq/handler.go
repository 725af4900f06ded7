// Package catreq answers the catalog requests a storage daemon sends while
// it reads or writes volumes for a job.
package catreq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/types"
	"github.com/gftdcojp/media-director/internal/volume"
	"go.uber.org/zap"
)

// Reply codes below 2000 belong to the catalog channel.
const (
	CodeOK               = 1000
	CodeNoMedia          = 1901
	CodeInvalidRequest   = 1990
	CodeRequestFailed    = 1991
	CodeUpdateMediaError = 1992
	CodeJobMediaError    = 1993
	CodeUnknownJob       = 1994
	CodePoolNotFound     = 1995
	CodeNotInCatalog     = 1997
	CodeVolumeUnsuitable = 1998
)

const (
	findMedia      = "CatReq Job=%s FindMedia=%d pool_name=%s media_type=%s unwanted_volumes=%s"
	getVolInfo     = "CatReq Job=%s GetVolInfo VolName=%s write=%d"
	updateMedia    = "CatReq Job=%s UpdateMedia VolName=%s VolJobs=%d VolFiles=%d VolBlocks=%d VolBytes=%d VolMounts=%d VolErrors=%d VolWrites=%d MaxVolBytes=%d EndTime=%d VolStatus=%s Slot=%d relabel=%d InChanger=%d VolReadTime=%d VolWriteTime=%d VolFirstWritten=%d"
	createJobMedia = "CatReq Job=%s CreateJobMedia FirstIndex=%d LastIndex=%d StartFile=%d EndFile=%d StartBlock=%d EndBlock=%d Copy=%d Strip=%d MediaId=%d"
	jobMessage     = "Jmsg Job=%s type=%d level=%d"

	okCreateJobMedia = "1000 OK CreateJobMedia"
	volInfoFormat    = "1000 OK VolName=%s VolJobs=%d VolFiles=%d VolBlocks=%d VolBytes=%d VolMounts=%d VolErrors=%d VolWrites=%d MaxVolBytes=%d VolStatus=%s Slot=%d MaxVolJobs=%d MaxVolFiles=%d InChanger=%d VolReadTime=%d VolWriteTime=%d MediaId=%d EncryptionKey=%s MinBlocksize=%d MaxBlocksize=%d"
)

type Config struct {
	Store    catalog.Store
	Selector *volume.Selector
	Jobs     *jobs.Registry
	Logger   *zap.Logger
	// Create and Prune are passed to volume selection for FindMedia.
	Create bool
	Prune  bool
	Now    func() time.Time
}

// Handler maps catalog request lines onto the volume engine.
type Handler struct {
	store    catalog.Store
	selector *volume.Selector
	recycler *volume.Recycler
	lock     *catalog.DBLock
	jobs     *jobs.Registry
	logger   *zap.Logger
	create   bool
	prune    bool
	now      func() time.Time
}

func NewHandler(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:    cfg.Store,
		selector: cfg.Selector,
		recycler: cfg.Selector.Recycler(),
		lock:     cfg.Selector.Lock(),
		jobs:     cfg.Jobs,
		logger:   cfg.Logger.Named("catreq"),
		create:   cfg.Create,
		prune:    cfg.Prune,
		now:      now,
	}
}

// Handle answers one line. Lines that need no answer return "".
func (h *Handler) Handle(ctx context.Context, line string) string {
	line = strings.TrimRight(line, "\r\n")
	request := requestKind(line)
	var reply string
	switch request {
	case "FindMedia":
		reply = h.findMedia(ctx, line)
	case "GetVolInfo":
		reply = h.getVolInfo(ctx, line)
	case "UpdateMedia":
		reply = h.updateMedia(ctx, line)
	case "CreateJobMedia":
		reply = h.createJobMedia(ctx, line)
	case "Jmsg":
		h.jobMessage(line)
		return ""
	default:
		h.logger.Warn("invalid catalog request", zap.String("line", line))
		reply = fmt.Sprintf("%d Invalid Catalog Request: %s", CodeInvalidRequest, line)
	}
	metrics.CatalogRequests.WithLabelValues(request, replyCode(reply)).Inc()
	return reply
}

func requestKind(line string) string {
	if strings.HasPrefix(line, "Jmsg ") {
		return "Jmsg"
	}
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "CatReq" {
		return "invalid"
	}
	name, _, _ := strings.Cut(fields[2], "=")
	switch name {
	case "FindMedia", "GetVolInfo", "UpdateMedia", "CreateJobMedia":
		return name
	}
	return "invalid"
}

func replyCode(reply string) string {
	code, _, _ := strings.Cut(reply, " ")
	return code
}

func (h *Handler) invalid(line string, err error) string {
	h.logger.Warn("malformed catalog request", zap.String("line", line), zap.Error(err))
	return fmt.Sprintf("%d Invalid Catalog Request: %s", CodeInvalidRequest, line)
}

func (h *Handler) lookupJob(name string) (*jobs.Job, string) {
	job, ok := h.jobs.LookupByName(name)
	if !ok {
		return nil, fmt.Sprintf("%d Unknown Job %s", CodeUnknownJob, name)
	}
	return job, ""
}

func (h *Handler) findMedia(ctx context.Context, line string) string {
	var jobName, poolName, mediaType, unwanted string
	var index int
	n, err := sscan(line, findMedia, &jobName, &index, &poolName, &mediaType, &unwanted)
	if n < 4 {
		return h.invalid(line, err)
	}
	job, reply := h.lookupJob(jobName)
	if job == nil {
		return reply
	}
	poolName = unbash(poolName)

	pool, err := h.store.GetPoolByName(ctx, poolName)
	if err != nil {
		return fmt.Sprintf("%d Pool %s not found", CodePoolNotFound, poolName)
	}

	req := volume.Request{
		Job:       job,
		PoolId:    pool.PoolId,
		MediaType: unbash(mediaType),
		Index:     index,
		Unwanted:  splitUnwanted(unbash(unwanted)),
		Create:    h.create,
		Prune:     h.prune,
	}
	if sr := h.storage(ctx, job); sr != nil {
		req.StorageId = sr.StorageId
		req.Autochanger = sr.AutoChanger
	}

	mr, err := h.selector.FindNextVolumeForAppend(ctx, req)
	if err != nil {
		if errors.Is(err, volume.ErrRetriesExhausted) {
			job.Jmsg("Scheduler logic error while selecting a volume: %v", err)
		} else if !errors.Is(err, volume.ErrNoVolume) {
			job.Jmsg("Volume selection failed: %v", err)
		}
		return fmt.Sprintf("%d No Media.", CodeNoMedia)
	}
	return volumeInfo(mr)
}

func (h *Handler) storage(ctx context.Context, job *jobs.Job) *catalog.StorageRecord {
	if job.StorageName == "" {
		return nil
	}
	sr, err := h.store.GetStorageByName(ctx, job.StorageName)
	if err != nil {
		return nil
	}
	return sr
}

func splitUnwanted(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool { return r == '|' })
}

func (h *Handler) getVolInfo(ctx context.Context, line string) string {
	var jobName, volName string
	var writing int
	n, err := sscan(line, getVolInfo, &jobName, &volName, &writing)
	if n != 3 {
		return h.invalid(line, err)
	}
	job, reply := h.lookupJob(jobName)
	if job == nil {
		return reply
	}
	volName = unbash(volName)

	defer h.lock.Acquire()()
	mr, err := h.store.GetMediaByName(ctx, volName)
	if err != nil {
		return fmt.Sprintf("%d Volume %q not in catalog.", CodeNotInCatalog, volName)
	}

	var reason string
	if writing != 0 {
		switch {
		case job.PoolId != 0 && mr.PoolId != job.PoolId:
			reason = "not in Pool"
		case job.MediaType != "" && mr.MediaType != job.MediaType:
			reason = "not correct MediaType"
		default:
			reason, err = h.recycler.CheckIfVolumeValidOrRecyclable(ctx, job, mr)
			if err != nil {
				return fmt.Sprintf("%d Catalog Request for vol=%s failed: %v", CodeRequestFailed, volName, err)
			}
		}
	}
	if reason == "" && mr.Enabled == types.VolDisabledState {
		reason = "is not Enabled"
	}
	if reason != "" {
		return fmt.Sprintf("%d Volume %q catalog status is %s, %s.", CodeVolumeUnsuitable, mr.VolumeName, mr.VolStatus, reason)
	}
	return volumeInfo(mr)
}

// mediaUpdate is what the storage daemon reports about a volume.
type mediaUpdate struct {
	VolName      string
	VolJobs      uint32
	VolFiles     uint32
	VolBlocks    uint32
	VolBytes     uint64
	VolMounts    uint32
	VolErrors    uint32
	VolWrites    uint32
	MaxVolBytes  uint64
	LastWritten  int64
	VolStatus    string
	Slot         int
	Relabel      int
	InChanger    int
	VolReadTime  int64
	VolWriteTime int64
	FirstWritten int64
}

func (h *Handler) updateMedia(ctx context.Context, line string) string {
	var jobName string
	var u mediaUpdate
	n, err := sscan(line, updateMedia, &jobName, &u.VolName, &u.VolJobs, &u.VolFiles, &u.VolBlocks,
		&u.VolBytes, &u.VolMounts, &u.VolErrors, &u.VolWrites, &u.MaxVolBytes, &u.LastWritten,
		&u.VolStatus, &u.Slot, &u.Relabel, &u.InChanger, &u.VolReadTime, &u.VolWriteTime, &u.FirstWritten)
	if n != 18 {
		return h.invalid(line, err)
	}
	job, reply := h.lookupJob(jobName)
	if job == nil {
		return reply
	}
	u.VolName = unbash(u.VolName)

	defer h.lock.Acquire()()
	mr, err := h.store.GetMediaByName(ctx, u.VolName)
	if err != nil {
		job.Jmsg("Unable to get Media record for Volume %s: ERR=%v", u.VolName, err)
		return fmt.Sprintf("%d Catalog Request for vol=%s failed: %v", CodeRequestFailed, u.VolName, err)
	}

	h.mergeUpdate(ctx, job, mr, &u)
	if err := h.store.UpdateMediaRecord(ctx, mr); err != nil {
		job.Jmsg("Catalog error updating Media record. %v", err)
		return fmt.Sprintf("%d Update Media error", CodeUpdateMediaError)
	}
	if _, err := h.recycler.HasVolumeExpired(ctx, job, mr); err != nil {
		h.logger.Warn("expiry check after update failed", zap.String("volume", mr.VolumeName), zap.Error(err))
	}
	return volumeInfo(mr)
}

// mergeUpdate applies a storage daemon report. Usage counters only move
// forward; a lower reported value keeps the catalog value.
func (h *Handler) mergeUpdate(ctx context.Context, job *jobs.Job, mr *catalog.MediaRecord, u *mediaUpdate) {
	start := job.SchedTime
	if start.IsZero() {
		start = h.now()
	}
	if mr.FirstWritten.IsZero() {
		if u.FirstWritten != 0 {
			mr.FirstWritten = time.Unix(u.FirstWritten, 0)
		} else {
			mr.FirstWritten = start
		}
	}
	if u.Relabel != 0 || mr.LabelDate.IsZero() {
		mr.LabelDate = start
	}
	if mr.VolBlocks != u.VolBlocks && u.LastWritten != 0 {
		mr.LastWritten = time.Unix(u.LastWritten, 0)
	}
	if sr := job.StorageName; sr != "" && u.VolWrites > mr.VolWrites {
		if rec, err := h.store.GetStorageByName(ctx, sr); err == nil {
			mr.StorageId = rec.StorageId
		}
	}

	keep32 := func(field string, cur *uint32, reported uint32) {
		if reported < *cur {
			job.Jmsg("Attempt to set Volume %s from %d to %d for Volume %q. Ignored.", field, *cur, reported, mr.VolumeName)
			return
		}
		*cur = reported
	}
	keep32("Jobs", &mr.VolJobs, u.VolJobs)
	keep32("Files", &mr.VolFiles, u.VolFiles)
	keep32("Blocks", &mr.VolBlocks, u.VolBlocks)
	keep32("Mounts", &mr.VolMounts, u.VolMounts)
	keep32("Errors", &mr.VolErrors, u.VolErrors)
	keep32("Writes", &mr.VolWrites, u.VolWrites)
	if u.VolBytes < mr.VolBytes {
		job.Jmsg("Attempt to set Volume Bytes from %d to %d for Volume %q. Ignored.", mr.VolBytes, u.VolBytes, mr.VolumeName)
	} else {
		mr.VolBytes = u.VolBytes
	}
	if u.VolReadTime > mr.VolReadTime {
		mr.VolReadTime = u.VolReadTime
	}
	if u.VolWriteTime > mr.VolWriteTime {
		mr.VolWriteTime = u.VolWriteTime
	}
	if u.MaxVolBytes != 0 {
		mr.MaxVolBytes = u.MaxVolBytes
	}
	mr.Slot = u.Slot
	mr.InChanger = u.InChanger != 0

	status, ok := types.ParseVolStatus(unbash(u.VolStatus))
	switch {
	case !ok:
		h.logger.Warn("storage daemon sent unknown volume status",
			zap.String("volume", mr.VolumeName), zap.String("status", u.VolStatus))
	case status.Administrative() && status != mr.VolStatus:
		h.logger.Warn("ignoring administrative status from storage daemon",
			zap.String("volume", mr.VolumeName), zap.String("status", string(status)))
	case mr.VolStatus.Administrative():
		// Operator-set states survive write bookkeeping.
	default:
		mr.VolStatus = status
	}
}

func (h *Handler) createJobMedia(ctx context.Context, line string) string {
	var jobName string
	var jm catalog.JobMediaRecord
	var copyNo, stripe int
	n, err := sscan(line, createJobMedia, &jobName, &jm.FirstIndex, &jm.LastIndex, &jm.StartFile,
		&jm.EndFile, &jm.StartBlock, &jm.EndBlock, &copyNo, &stripe, &jm.MediaId)
	if n != 10 {
		return h.invalid(line, err)
	}
	job, reply := h.lookupJob(jobName)
	if job == nil {
		return reply
	}
	jm.JobId = job.JobId

	defer h.lock.Acquire()()
	if err := h.store.CreateJobMediaRecord(ctx, &jm); err != nil {
		job.Jmsg("Catalog error creating JobMedia record. %v", err)
		return fmt.Sprintf("%d Create JobMedia error: %v", CodeJobMediaError, err)
	}
	return okCreateJobMedia
}

func (h *Handler) jobMessage(line string) {
	var jobName string
	var msgType, level int
	if n, _ := fmt.Sscanf(line, jobMessage, &jobName, &msgType, &level); n != 3 {
		h.logger.Warn("malformed job message", zap.String("line", line))
		return
	}
	// The text follows the third field.
	fields := strings.SplitN(line, " ", 5)
	text := ""
	if len(fields) == 5 {
		text = fields[4]
	}
	if job, ok := h.jobs.LookupByName(jobName); ok {
		job.Jmsg("%s", text)
	}
	h.logger.Info("storage daemon message", zap.String("job", jobName), zap.String("text", text))
}

func volumeInfo(mr *catalog.MediaRecord) string {
	inChanger := 0
	if mr.InChanger {
		inChanger = 1
	}
	return fmt.Sprintf(volInfoFormat,
		bash(mr.VolumeName), mr.VolJobs, mr.VolFiles, mr.VolBlocks, mr.VolBytes, mr.VolMounts,
		mr.VolErrors, mr.VolWrites, mr.MaxVolBytes, bash(string(mr.VolStatus)), mr.Slot,
		mr.MaxVolJobs, mr.MaxVolFiles, inChanger, mr.VolReadTime, mr.VolWriteTime, mr.MediaId,
		encryptionKey(mr.EncrKey), mr.MinBlocksize, mr.MaxBlocksize)
}

func encryptionKey(k string) string {
	if k == "" {
		return "*None*"
	}
	return k
}

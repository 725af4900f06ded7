package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/media-director/internal/catalog"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/jobs"
	"github.com/gftdcojp/media-director/internal/label"
	"github.com/gftdcojp/media-director/internal/lifecycle"
	"github.com/gftdcojp/media-director/internal/prune"
	"github.com/gftdcojp/media-director/internal/types"
	"go.uber.org/zap"
)

// TargetResolver maps a storage name onto its label target and catalog id.
type TargetResolver func(ctx context.Context, storage string) (label.Target, uint64, error)

// JobControl queues and completes jobs.
type JobControl interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Job, error)
	Finish(ctx context.Context, jobId uint64, status types.JobStatus, files uint32, bytes uint64) error
}

// Deps are the components the admin API works on.
type Deps struct {
	Director  string
	Store     catalog.Store
	Lock      *catalog.DBLock
	Pruner    *prune.Engine
	Labeler   *label.Labeler
	Changer   label.ChangerInventory
	Lifecycle *lifecycle.Manager
	Registry  *jobs.Registry
	Devices   []*device.Device
	Targets   TargetResolver
	Jobs      JobControl
}

type handler struct {
	Deps
	logger *zap.Logger
}

func newHandler(deps Deps, logger *zap.Logger) *handler {
	if deps.Lock == nil {
		deps.Lock = &catalog.DBLock{}
	}
	return &handler{Deps: deps, logger: logger.Named("api")}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/pools", h.handlePools)
	mux.HandleFunc("GET /v1/pools/{pool}/volumes", h.handlePoolVolumes)
	mux.HandleFunc("GET /v1/volumes/{volume}", h.handleGetVolume)
	mux.HandleFunc("POST /v1/volumes/{volume}/status", h.handleUpdateStatus)
	mux.HandleFunc("POST /v1/volumes/{volume}/prune", h.handlePruneVolume)
	mux.HandleFunc("POST /v1/volumes/{volume}/purge", h.handlePurgeVolume)
	mux.HandleFunc("POST /v1/label", h.handleLabel)
	mux.HandleFunc("POST /v1/label/barcodes", h.handleLabelBarcodes)
	mux.HandleFunc("GET /v1/jobs", h.handleJobs)
	mux.HandleFunc("POST /v1/jobs", h.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs/running", h.handleRunningJobs)
	mux.HandleFunc("POST /v1/jobs/{jobID}/finish", h.handleFinishJob)
	mux.HandleFunc("GET /v1/jobs/{jobID}/messages", h.handleJobMessages)
	mux.HandleFunc("GET /v1/devices", h.handleDevices)
	mux.HandleFunc("POST /v1/admin/prune", h.handlePruneCycle)
	return mux
}

// RunHTTP starts the HTTP admin API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, deps Deps, logger *zap.Logger) error {
	h := newHandler(deps, logger)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"director": h.Director,
		"devices":  len(h.Devices),
	}
	if h.Registry != nil {
		status["running_jobs"] = len(h.Registry.RunningJobIDs())
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handlePools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.Store.ListPools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]map[string]any, 0, len(pools))
	for _, p := range pools {
		result = append(result, map[string]any{
			"pool_id":       p.PoolId,
			"name":          p.Name,
			"pool_type":     p.PoolType,
			"num_vols":      p.NumVols,
			"max_vols":      p.MaxVols,
			"label_format":  p.LabelFormat,
			"recycle":       p.Recycle,
			"auto_prune":    p.AutoPrune,
			"vol_retention": p.VolRetention.String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handlePoolVolumes(w http.ResponseWriter, r *http.Request) {
	pool, err := h.Store.GetPoolByName(r.Context(), r.PathValue("pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter := catalog.MediaFilter{PoolIds: []uint64{pool.PoolId}}
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := types.ParseVolStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown volume status %q", s)})
			return
		}
		filter.Statuses = []types.VolStatus{st}
	}
	vols, err := h.Store.ListMedia(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]map[string]any, 0, len(vols))
	for i := range vols {
		result = append(result, volumeJSON(&vols[i]))
	}
	writeJSON(w, http.StatusOK, result)
}

func volumeJSON(mr *catalog.MediaRecord) map[string]any {
	return map[string]any{
		"media_id":      mr.MediaId,
		"volume":        mr.VolumeName,
		"pool_id":       mr.PoolId,
		"media_type":    mr.MediaType,
		"status":        mr.VolStatus,
		"enabled":       mr.Enabled.String(),
		"recycle":       mr.Recycle,
		"vol_bytes":     mr.VolBytes,
		"vol_size":      humanize.IBytes(mr.VolBytes),
		"vol_jobs":      mr.VolJobs,
		"vol_files":     mr.VolFiles,
		"vol_mounts":    mr.VolMounts,
		"vol_retention": mr.VolRetention.String(),
		"slot":          mr.Slot,
		"in_changer":    mr.InChanger,
		"first_written": mr.FirstWritten,
		"last_written":  mr.LastWritten,
		"label_date":    mr.LabelDate,
	}
}

func (h *handler) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	mr, err := h.Store.GetMediaByName(r.Context(), r.PathValue("volume"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeJSON(mr))
}

type statusRequest struct {
	Status  string `json:"status"`
	Enabled string `json:"enabled,omitempty"`
}

// handleUpdateStatus is the only way into the administrative statuses;
// the allocator never sets them.
func (h *handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	st, ok := types.ParseVolStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown volume status %q", req.Status)})
		return
	}
	var enabled *types.VolEnabled
	if req.Enabled != "" {
		e, ok := parseEnabled(req.Enabled)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown enabled state %q", req.Enabled)})
			return
		}
		enabled = &e
	}

	release := h.Lock.Acquire()
	defer release()

	mr, err := h.Store.GetMediaByName(r.Context(), r.PathValue("volume"))
	if err != nil {
		writeError(w, err)
		return
	}
	prev := mr.VolStatus
	mr.VolStatus = st
	if enabled != nil {
		mr.Enabled = *enabled
	}
	if err := h.Store.UpdateMediaRecord(r.Context(), mr); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("volume status updated",
		zap.String("volume", mr.VolumeName),
		zap.String("from", string(prev)),
		zap.String("to", string(st)),
		zap.Stringer("enabled", mr.Enabled),
	)
	writeJSON(w, http.StatusOK, volumeJSON(mr))
}

func parseEnabled(s string) (types.VolEnabled, bool) {
	switch s {
	case "yes", "enabled", "1":
		return types.VolEnabledState, true
	case "no", "disabled", "0":
		return types.VolDisabledState, true
	case "archived", "2":
		return types.VolArchived, true
	}
	return 0, false
}

func (h *handler) handlePruneVolume(w http.ResponseWriter, r *http.Request) {
	release := h.Lock.Acquire()
	defer release()

	mr, err := h.Store.GetMediaByName(r.Context(), r.PathValue("volume"))
	if err != nil {
		writeError(w, err)
		return
	}
	purged, err := h.Pruner.PruneVolume(r.Context(), mr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"volume": mr.VolumeName, "purged": purged, "status": mr.VolStatus})
}

func (h *handler) handlePurgeVolume(w http.ResponseWriter, r *http.Request) {
	release := h.Lock.Acquire()
	defer release()

	mr, err := h.Store.GetMediaByName(r.Context(), r.PathValue("volume"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Pruner.PurgeJobsFromVolume(r.Context(), mr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"volume": mr.VolumeName, "status": mr.VolStatus})
}

type labelRequest struct {
	Volume    string `json:"volume"`
	OldName   string `json:"old_name,omitempty"`
	Pool      string `json:"pool"`
	Storage   string `json:"storage"`
	MediaType string `json:"media_type,omitempty"`
	Slot      int    `json:"slot,omitempty"`
	Drive     int    `json:"drive,omitempty"`
}

func (h *handler) handleLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if h.Labeler == nil || h.Targets == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "labeling not configured"})
		return
	}
	target, storageId, err := h.Targets(r.Context(), req.Storage)
	if err != nil {
		writeError(w, err)
		return
	}

	var lines []string
	mr, err := h.Labeler.Label(r.Context(), label.Command{
		Target:     target,
		StorageId:  storageId,
		VolumeName: req.Volume,
		OldName:    req.OldName,
		Pool:       req.Pool,
		MediaType:  req.MediaType,
		Slot:       req.Slot,
		Drive:      req.Drive,
		InChanger:  req.Slot > 0,
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "output": lines})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"volume": volumeJSON(mr), "output": lines})
}

type barcodesRequest struct {
	Pool      string `json:"pool"`
	Storage   string `json:"storage"`
	MediaType string `json:"media_type,omitempty"`
	Drive     int    `json:"drive,omitempty"`
}

func (h *handler) handleLabelBarcodes(w http.ResponseWriter, r *http.Request) {
	var req barcodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pool == "" || req.Storage == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pool and storage are required"})
		return
	}
	if h.Labeler == nil || h.Targets == nil || h.Changer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "barcode labeling not configured"})
		return
	}
	target, storageId, err := h.Targets(r.Context(), req.Storage)
	if err != nil {
		writeError(w, err)
		return
	}

	var lines []string
	results, err := h.Labeler.LabelBarcodes(r.Context(), h.Changer, label.Command{
		Target:    target,
		StorageId: storageId,
		Pool:      req.Pool,
		MediaType: req.MediaType,
		Drive:     req.Drive,
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "output": lines})
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		m := map[string]any{"slot": res.Slot, "barcode": res.Barcode, "status": res.Status}
		if res.Err != nil {
			m["error"] = res.Err.Error()
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out, "output": lines})
}

func (h *handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var filter catalog.JobFilter
	if name := r.URL.Query().Get("client"); name != "" {
		cr, err := h.Store.GetClientByName(ctx, name)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.ClientId = cr.ClientId
	}
	if name := r.URL.Query().Get("pool"); name != "" {
		pr, err := h.Store.GetPoolByName(ctx, name)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.PoolId = pr.PoolId
	}
	list, err := h.Store.ListJobs(ctx, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]map[string]any, 0, len(list))
	for _, jr := range list {
		result = append(result, map[string]any{
			"job_id":       jr.JobId,
			"job":          jr.Job,
			"name":         jr.Name,
			"type":         jr.Type.String(),
			"level":        jr.Level.String(),
			"status":       jr.JobStatus.String(),
			"client_id":    jr.ClientId,
			"pool_id":      jr.PoolId,
			"job_files":    jr.JobFiles,
			"job_bytes":    jr.JobBytes,
			"purged_files": jr.PurgedFiles,
			"start_time":   jr.StartTime,
			"end_time":     jr.EndTime,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job control not configured"})
		return
	}
	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	j, err := h.Jobs.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"name": j.Name, "pool": j.PoolName, "client": j.ClientName, "priority": j.Priority})
}

type finishRequest struct {
	Status string `json:"status"`
	Files  uint32 `json:"files"`
	Bytes  uint64 `json:"bytes"`
}

func (h *handler) handleFinishJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseUint(r.PathValue("jobID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job ID"})
		return
	}
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Status) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if h.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job control not configured"})
		return
	}
	if err := h.Jobs.Finish(r.Context(), jobID, types.JobStatus(req.Status[0]), req.Files, req.Bytes); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": req.Status})
}

func (h *handler) handleRunningJobs(w http.ResponseWriter, r *http.Request) {
	result := []map[string]any{}
	if h.Registry != nil {
		for _, j := range h.Registry.List() {
			result = append(result, map[string]any{
				"job_id":   j.JobId,
				"job":      j.Job,
				"name":     j.Name,
				"pool":     j.PoolName,
				"client":   j.ClientName,
				"status":   j.Status().String(),
				"canceled": j.Canceled(),
			})
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleJobMessages(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseUint(r.PathValue("jobID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job ID"})
		return
	}
	if h.Registry == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not running"})
		return
	}
	j, ok := h.Registry.Lookup(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": j.JobId, "messages": j.Messages()})
}

func (h *handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	result := make([]map[string]any, 0, len(h.Devices))
	for _, d := range h.Devices {
		file, blk := d.Position()
		entry := map[string]any{
			"name":       d.Name(),
			"media_type": d.MediaType(),
			"volume":     d.VolumeName(),
			"file":       file,
			"block":      blk,
			"blocked":    d.Blocked().String(),
			"jobs":       len(d.Jobs()),
		}
		stats, err := d.Backend().Stats(r.Context())
		if err != nil {
			entry["stats_error"] = err.Error()
		} else {
			entry["backend"] = stats
			entry["size"] = humanize.Bytes(uint64(stats.TotalBytes))
		}
		result = append(result, entry)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handlePruneCycle(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "auto-prune not configured"})
		return
	}
	res, err := h.Lifecycle.Cycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"files":          res.Files,
		"jobs":           res.Jobs,
		"purged_volumes": res.Purged,
		"orphans":        res.Orphans,
	})
}

func statusFor(err error) int {
	var prunePolicy *prune.PolicyError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrExists), errors.Is(err, label.ErrPolicy), errors.Is(err, label.ErrArchived),
		errors.Is(err, prune.ErrArchived), errors.As(err, &prunePolicy):
		return http.StatusConflict
	case errors.Is(err, label.ErrUnsupportedProtocol):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

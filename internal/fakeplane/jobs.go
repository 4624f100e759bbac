package fakeplane

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodySize      = 1 << 20 // 1 MB
	defaultRuntime   = 3600
)

type listJobsResponse struct {
	Jobs       []*model.Job `json:"jobs"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}

type extendJobRequest struct {
	Runtime int `json:"runtime"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, detail := s.newRecord(req)
	if detail != "" {
		s.writeError(w, http.StatusBadRequest, detail)
		return
	}

	if err := s.sim.Submit(r.Context(), rec); err != nil {
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.logger.Info("job created", "job_id", rec.ID, "gpu_type", rec.GPUType, "image", rec.Image)

	s.writeJSON(w, http.StatusOK, rec.Job)
}

// newRecord validates req against the catalog and builds the stored job.
// A non-empty detail reports why the request was rejected.
func (s *Server) newRecord(req model.CreateJobRequest) (*store.Record, string) {
	if req.DockerImage == "" {
		return nil, "docker_image is required"
	}
	if req.GPUType == "" {
		req.GPUType = model.DefaultGPUType
	}
	if req.GPUCount <= 0 {
		req.GPUCount = 1
	}
	if req.Runtime <= 0 {
		req.Runtime = defaultRuntime
	}
	cfg, ok := s.catalog.config(req.GPUType, req.GPUCount)
	if !ok {
		return nil, "no configuration for " + model.PricingKey(req.GPUType, req.GPUCount)
	}
	if req.Region != "" {
		if _, ok := s.catalog.Regions[req.Region]; !ok {
			return nil, "unknown region " + req.Region
		}
		if !slices.Contains(cfg.Regions, req.Region) {
			return nil, req.GPUType + " is not offered in " + req.Region
		}
	}
	hourly, region, ok := s.catalog.hourlyPrice(req.GPUType, req.GPUCount, req.Region, req.Interruptible)
	if !ok {
		return nil, "no price for " + model.PricingKey(req.GPUType, req.GPUCount)
	}

	var command string
	if req.Command != "" {
		b, err := base64.StdEncoding.DecodeString(req.Command)
		if err != nil {
			return nil, "command must be base64 encoded"
		}
		command = string(b)
	}

	return &store.Record{
		Job: model.Job{
			ID:             uuid.NewString(),
			Key:            model.NewID(),
			State:          model.StatePending,
			GPUType:        req.GPUType,
			GPUCount:       req.GPUCount,
			Region:         region,
			Interruptible:  req.Interruptible,
			PricePerHour:   hourly,
			PricePerSecond: math.Round(hourly/3600*1e8) / 1e8,
			Image:          req.DockerImage,
			Runtime:        req.Runtime,
			CreatedAt:      model.NewTimestamp(time.Now()),
		},
		Token:   model.NewID(),
		Command: command,
		Env:     req.EnvVars,
		Ports:   req.Ports,
		Auth:    req.Auth,
	}, ""
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), model.State(r.URL.Query().Get("state")), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:       jobs,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	})
}

// loadJob fetches the {id} job, writing the error response itself when it
// returns nil.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *store.Record {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return nil
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil
	}
	return rec
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if rec := s.loadJob(w, r); rec != nil {
		s.writeJSON(w, http.StatusOK, rec.Job)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.sim.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "job has already finished")
		return
	case err != nil:
		s.logger.Error("cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.logger.Info("job cancelled", "job_id", id)

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleExtendJob(w http.ResponseWriter, r *http.Request) {
	var req extendJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Runtime <= 0 {
		s.writeError(w, http.StatusBadRequest, "runtime must be positive")
		return
	}

	rec := s.loadJob(w, r)
	if rec == nil {
		return
	}
	if rec.State.IsTerminal() {
		s.writeError(w, http.StatusConflict, "job has already finished")
		return
	}

	j, err := s.store.UpdateJobRuntime(r.Context(), rec.ID, req.Runtime)
	if err != nil {
		s.logger.Error("extend job", "job_id", rec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to extend job")
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

type logsResponse struct {
	Logs string `json:"logs"`
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	rec := s.loadJob(w, r)
	if rec == nil {
		return
	}
	lines, err := s.store.GetLogLines(r.Context(), rec.ID)
	if err != nil {
		s.logger.Error("get log lines", "job_id", rec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get logs")
		return
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Line)
		b.WriteByte('\n')
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Logs: b.String()})
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	rec := s.loadJob(w, r)
	if rec == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, syntheticMetrics(rec, time.Now()))
}

// syntheticMetrics reports plausible load for a running job and nothing
// for any other state.
func syntheticMetrics(rec *store.Record, now time.Time) model.JobMetrics {
	m := model.JobMetrics{GPUs: []model.GPUMetrics{}}
	if rec.State != model.StateRunning {
		return m
	}
	phase := float64(now.Unix() % 60)
	for i := range rec.GPUCount {
		m.GPUs = append(m.GPUs, model.GPUMetrics{
			Index:         i,
			Name:          strings.ToUpper(rec.GPUType),
			Utilization:   50 + 40*math.Sin(phase/60*2*math.Pi+float64(i)),
			MemoryUsedMB:  12000,
			MemoryTotalMB: 46068,
			TemperatureC:  55 + float64(i),
			PowerDrawW:    210,
		})
	}
	m.System = &model.SystemMetrics{
		CPUPercent:    35,
		CPUCores:      8 * rec.GPUCount,
		MemoryUsedMB:  9000,
		MemoryLimitMB: 65536,
	}
	m.Normalize()
	return m
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleJobToken(w http.ResponseWriter, r *http.Request) {
	if rec := s.loadJob(w, r); rec != nil {
		s.writeJSON(w, http.StatusOK, tokenResponse{Token: rec.Token})
	}
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return v
}

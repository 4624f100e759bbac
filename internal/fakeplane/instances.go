package fakeplane

import (
	"net/http"

	"github.com/seantiz/anvil/internal/model"
)

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.catalog.Types)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.catalog.Regions)
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.catalog.Pricing)
}

type capacityEntry struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// handleCapacity reports GPUs held by running jobs against the catalog's
// fixed pool, optionally for a single ?gpu_type.
func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	running, _, err := s.store.ListJobs(r.Context(), model.StateRunning, maxListLimit, 0)
	if err != nil {
		s.logger.Error("list running jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute capacity")
		return
	}
	inUse := make(map[string]int)
	for _, j := range running {
		inUse[j.GPUType] += j.GPUCount
	}

	only := r.URL.Query().Get("gpu_type")
	if only != "" {
		if _, ok := s.catalog.Capacity[only]; !ok {
			s.writeError(w, http.StatusNotFound, "unknown gpu_type "+only)
			return
		}
	}
	out := make(map[string]capacityEntry)
	for gpu, total := range s.catalog.Capacity {
		if only != "" && gpu != only {
			continue
		}
		used := min(inUse[gpu], total)
		out[gpu] = capacityEntry{Total: total, InUse: used, Available: total - used}
	}
	s.writeJSON(w, http.StatusOK, out)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/radguard/internal/adaptive"
	"github.com/lazypower/radguard/internal/engine"
)

// maxBoost caps POST /api/protection/boost.
const maxBoost = time.Hour

func (s *Server) handleProtection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	level, err := adaptive.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Controller.SetLevel(level); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

func (s *Server) handleBoost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DurationMS < 1 || req.DurationMS > maxBoost.Milliseconds() {
		writeError(w, http.StatusBadRequest, "duration_ms must be between 1 and 3600000")
		return
	}
	d := time.Duration(req.DurationMS) * time.Millisecond

	level := s.engine.Boost(d)
	s.logger.Info("server: protection boosted", "level", level.String(), "duration", d)
	writeJSON(w, http.StatusOK, map[string]any{
		"level":       level.String(),
		"duration_ms": req.DurationMS,
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BitFlips      *uint32 `json:"bit_flips"`
		ComputeErrors *uint32 `json:"compute_errors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.BitFlips == nil && req.ComputeErrors == nil {
		writeError(w, http.StatusBadRequest, "bit_flips or compute_errors required")
		return
	}
	var flips, compute uint32
	if req.BitFlips != nil {
		flips = *req.BitFlips
	}
	if req.ComputeErrors != nil {
		compute = *req.ComputeErrors
	}

	level := s.engine.Report(flips, compute)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"level":          level.String(),
		"estimated_flux": s.engine.Controller.Assessment().EstimatedFlux,
	})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions := s.engine.Regions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(regions),
		"regions": regions,
	})
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Region(chi.URLParam(r, "name"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.engine.Repair(r.Context(), name)
	if err != nil {
		s.engineError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Consistent {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"region": name,
		"result": res,
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cps, err := s.engine.Checkpoints(name, queryLimit(r, 20))
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":      name,
		"count":       len(cps),
		"checkpoints": cps,
	})
}

func (s *Server) handleLevelHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := s.engine.LevelHistory(queryLimit(r, 50))
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  s.engine.RunID,
		"count":   len(changes),
		"changes": changes,
	})
}

func (s *Server) handleAssessmentHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.AssessmentHistory(queryLimit(r, 50))
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      s.engine.RunID,
		"count":       len(records),
		"assessments": records,
	})
}

func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownRegion):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNoStore):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("server: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return min(n, 1000)
		}
	}
	return def
}

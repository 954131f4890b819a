package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/metrics"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type healthResponse struct {
	Status          string `json:"status"`
	UptimeS         int64  `json:"uptime_s"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		UptimeS:         int64(s.clock.Now().Sub(s.started).Seconds()),
		ActiveSessionID: s.tracker.Snapshot().ActiveSessionID,
	}

	usage := s.manager.Snapshot()
	downCount := 0
	for _, u := range usage {
		if u.Status == crawler.DBDown {
			downCount++
		}
	}
	switch {
	case len(usage) > 0 && downCount == len(usage):
		resp.Status = "down"
	case downCount > 0 || s.manager.HasCriticalCapacity():
		resp.Status = "degraded"
	}

	// A failing store degrades health but never fails the endpoint.
	if _, err := s.store.Stats(r.Context()); err != nil {
		s.logger.Warn("store unavailable for health check", zap.Error(err))
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Warn("stats query failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) databases(w http.ResponseWriter, _ *http.Request) {
	usage := s.manager.Snapshot()
	publishUsageMetrics(usage)
	writeJSON(w, http.StatusOK, usage)
}

func publishUsageMetrics(usage []crawler.DatabaseUsage) {
	for _, u := range usage {
		metrics.SetDatabaseUsage(u.Name, u.WriteRatio(), u.StorageRatio(), time.Duration(u.ProbeRTTMs)*time.Millisecond)
	}
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	writeJSON(w, http.StatusOK, s.ring.Last(limit))
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pasteforge/pkg/domain"
	"pasteforge/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// notReadyResp is the error envelope plus the per-dependency breakdown.
type notReadyResp struct {
	domain.ErrResp
	Data ReadyResponse `json:"data"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready fails only when SQLite is unreachable. Redis is an accelerator, so
// an outage there is reported but the instance stays in rotation.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Database: "up", Cache: "disabled"}

	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.deps.DB.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	if s.deps.Redis != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		resp.Cache = "up"
		if err := s.deps.Redis.Ping(cacheCtx); err != nil {
			util.Warn().Err(err).Msg("cache health check failed")
			resp.Cache = "degraded"
		}
	}
	if !resp.Ready {
		body := notReadyResp{ErrResp: domain.ToResp(domain.ErrUnavailable), Data: resp}
		body.RequestID = util.GetRequestID(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(body)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

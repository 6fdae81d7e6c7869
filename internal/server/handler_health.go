package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is the server version reported by /health.
const Version = "0.1.0"

type healthResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	GoVersion  string   `json:"go_version"`
	Uptime     string   `json:"uptime"`
	Controller string   `json:"controller"`
	Store      string   `json:"store"`
	ActiveJobs int      `json:"active_jobs"`
	Computers  []string `json:"computers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:     "healthy",
		Version:    Version,
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Controller: "not_started",
		Store:      "ok",
		Computers:  s.computers,
	}
	if s.loop != nil {
		resp.Controller = "configured"
	}
	if resp.Computers == nil {
		resp.Computers = []string{}
	}

	active, err := s.store.ListActiveJobs(r.Context())
	if err != nil {
		s.logger.Warn("health: list active jobs", "error", err)
		resp.Status = "degraded"
		resp.Store = "error"
	}
	resp.ActiveJobs = len(active)

	respondOK(w, reqID, resp)
}

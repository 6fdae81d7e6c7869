package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "calcjob API",
		Version:     "v1",
		Description: "Remote batch job lifecycle: submission, polling, retrieval and parsing",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "List jobs (?state=, ?computer=, ?limit=, ?offset=) or create one"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job record"},
			{"/api/v1/jobs/{id}/kill", []string{"PUT"}, "Request cancellation on the next tick"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}

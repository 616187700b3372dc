package server

import (
	"net/http"

	"github.com/teranos/jobsvc/pulse/schedule"
	"github.com/teranos/jobsvc/version"
)

type readiness struct {
	Role  string         `json:"role"`
	State string         `json:"state"`
	Stats schedule.Stats `json:"stats"`
}

// handleReady reports 200 only on the leader so a load balancer can route
// writes to it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := s.sched.Stats()
	body := readiness{Role: "FOLLOWER", State: s.State().String(), Stats: stats}
	status := http.StatusServiceUnavailable
	if stats.Leader && s.State() == ServerStateRunning {
		body.Role = "LEADER"
		status = http.StatusOK
	}
	_ = writeJSON(w, status, body)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"state":   s.State().String(),
		"version": version.Get(),
	})
}

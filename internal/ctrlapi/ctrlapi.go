// Package ctrlapi is the controller's read-only status surface: a small
// JSON endpoint exposing the current epoch tables and grace-period state,
// grounded on the teacher's own stdlib net/http + encoding/json status
// handlers (cmd/nova/main.go's "/metrics" JSON handler). It carries no
// mutation path — every write still goes through the single-threaded
// event loop in internal/controller.
package ctrlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/controller"
	"github.com/hydro-project/cluster/internal/logging"
)

// SnapshotSource is anything that can hand back a point-in-time controller
// snapshot; satisfied by *controller.Controller.
type SnapshotSource interface {
	Snapshot() controller.Snapshot
}

// Server serves the status JSON endpoint over HTTP.
type Server struct {
	addr string
	src  SnapshotSource
	gr   *clusterstate.GraceClock
	http *http.Server
}

// New returns a Server bound to addr (not yet listening). grace may be nil
// if the caller has no grace clock to report (e.g. during tests).
func New(addr string, src SnapshotSource, grace *clusterstate.GraceClock) *Server {
	s := &Server{addr: addr, src: src, gr: grace}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Warn("ctrlapi: status server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	ExecutorCount  int            `json:"executor_count"`
	DepartingCount int            `json:"departing_count"`
	FunctionCounts map[string]int `json:"function_replica_counts"`
	DagFrequencies map[string]int `json:"dag_frequencies"`
	EpochStart     time.Time      `json:"epoch_start"`
	ReportPeriod   string         `json:"report_period"`
	GraceExpired   *bool          `json:"grace_expired,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	resp := statusResponse{
		ExecutorCount:  snap.ExecutorCount,
		DepartingCount: snap.DepartingCount,
		FunctionCounts: snap.FunctionCounts,
		DagFrequencies: snap.DagFrequencies,
		EpochStart:     snap.EpochStart,
		ReportPeriod:   snap.ReportPeriod.String(),
	}
	if s.gr != nil {
		expired := s.gr.Expired(time.Now())
		resp.GraceExpired = &expired
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Op().Warn("ctrlapi: encode status response failed", "error", err)
	}
}

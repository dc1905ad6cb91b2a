// Package api exposes the inbound control surface: manual job submission,
// health, metrics, and queue status. The engine itself never depends on this
// package; handlers only forward to core entry points.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/metrics"
)

// queue is the jobstore surface the API needs.
type queue interface {
	Enqueue(lane jobstore.Lane, p jobstore.Payload, priority int, dedupKey string) (int64, bool, error)
	LaneCounts() (map[jobstore.Lane]map[string]int, error)
	Ping() error
}

// sessionPool is the browser-pool surface the API needs.
type sessionPool interface {
	Healthy() bool
	Stats() browser.PoolStats
}

// pinger covers the repository health check.
type pinger interface {
	Ping() error
}

// Config wires the control API.
type Config struct {
	ListenAddr string
	// ServiceSecret guards the mutating and status endpoints. Empty
	// disables auth.
	ServiceSecret string
	MaxBodyBytes  int64

	Queue queue
	Pool  sessionPool
	Repo  pinger
	Clock *clock.Clock
}

type Server struct {
	cfg       Config
	httpSrv   *http.Server
	startedAt time.Time
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, startedAt: time.Now()}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /status", s.authed(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /jobs/initial", s.authed(http.HandlerFunc(s.handleInitial)))
	mux.Handle("POST /jobs/priority", s.authed(http.HandlerFunc(s.handlePriority)))
	return maxBody(s.cfg.MaxBodyBytes, mux)
}

// Start begins serving in the background.
func (s *Server) Start() {
	log.Printf("[api] listening on %s", s.cfg.ListenAddr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] serve: %v", err)
		}
	}()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// jobRequest is the body of both job-submission endpoints.
type jobRequest struct {
	CaseFileID string `json:"caseFileId"`
	CaseNumber string `json:"caseNumber"`
	TenantID   string `json:"tenantId"`
}

func (r jobRequest) validate() error {
	switch {
	case r.CaseFileID == "":
		return errors.New("caseFileId is required")
	case r.CaseNumber == "":
		return errors.New("caseNumber is required")
	case r.TenantID == "":
		return errors.New("tenantId is required")
	}
	return nil
}

func (s *Server) handleInitial(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, jobstore.LaneInitial, func(req jobRequest) string {
		return jobstore.InitialKey(req.CaseFileID, s.cfg.Clock.DayStamp())
	})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, jobstore.LanePriority, func(req jobRequest) string {
		return jobstore.PriorityKey(req.CaseFileID, s.cfg.Clock.Now().UnixMilli())
	})
}

// enqueue is the shared body of the two submission endpoints. Manual jobs
// always run at critical priority.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, lane jobstore.Lane, key func(jobRequest) string) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, created, err := s.cfg.Queue.Enqueue(lane, jobstore.Payload{
		CaseFileID: req.CaseFileID,
		CaseNumber: req.CaseNumber,
		TenantID:   req.TenantID,
	}, 1, key(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		log.Printf("[api] enqueue %s %s: %v", lane, req.CaseFileID, err)
		return
	}

	metrics.Inc("api_jobs_submitted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":   id,
		"created": created,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"database":    s.cfg.Repo.Ping() == nil,
		"queueStore":  s.cfg.Queue.Ping() == nil,
		"browserPool": s.cfg.Pool.Healthy(),
	}
	healthy := checks["database"] && checks["queueStore"] && checks["browserPool"]

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"checks": checks,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, metrics.Render())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Queue.LaneCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lane counts failed")
		log.Printf("[api] lane counts: %v", err)
		return
	}
	lanes := make(map[string]map[string]int, len(counts))
	for lane, states := range counts {
		lanes[string(lane)] = states
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lanes":       lanes,
		"browserPool": s.cfg.Pool.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

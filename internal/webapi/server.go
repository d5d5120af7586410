// Package webapi serves dashboard snapshots, actions and live event streams
// to browsers.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
	"picpic-dash/internal/metrics"
	"picpic-dash/internal/views"
)

// Backend is the orchestration API as used by the web layer.
type Backend interface {
	views.Backend
	CreateJob(ctx context.Context, req dashapi.CreateJobRequest) (*dashapi.Job, error)
	CancelJob(ctx context.Context, id string) (*dashapi.Job, error)
	RestartAgent(ctx context.Context, id string) error
}

type Options struct {
	Backend  Backend
	Registry *events.Registry
	Agents   *views.AgentsView
	Jobs     *views.JobsView
	// Status reports the broker connection state for the health endpoint.
	Status          func() network.ConnState
	PollInterval    time.Duration
	DetailCacheSize int
	Metrics         *metrics.Metrics
	// Gatherer backs /metrics; nil leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
}

type Server struct {
	ctx      context.Context
	api      Backend
	reg      *events.Registry
	agents   *views.AgentsView
	jobs     *views.JobsView
	status   func() network.ConnState
	interval time.Duration
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      *log.Entry

	detailMu sync.Mutex
	details  *lru.Cache[string, *views.JobDetailView]
}

// NewServer builds the dashboard HTTP API. Job detail views are mounted under
// ctx on first request and unmounted when they fall out of the cache.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	size := opts.DetailCacheSize
	if size <= 0 {
		size = 64
	}
	details, err := lru.NewWithEvict(size, func(id string, v *views.JobDetailView) {
		v.Unmount()
	})
	if err != nil {
		return nil, err
	}
	status := opts.Status
	if status == nil {
		status = func() network.ConnState { return network.StateDisconnected }
	}
	return &Server{
		ctx:      ctx,
		api:      opts.Backend,
		reg:      opts.Registry,
		agents:   opts.Agents,
		jobs:     opts.Jobs,
		status:   status,
		interval: opts.PollInterval,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log.WithField("component", "webapi"),
		details: details,
	}, nil
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/dashboard/health", s.handleHealth)
	mux.HandleFunc("/api/dashboard/agents", s.handleAgents)
	mux.HandleFunc("/api/dashboard/agents/", s.handleAgent)
	mux.HandleFunc("/api/dashboard/jobs", s.handleJobs)
	mux.HandleFunc("/api/dashboard/jobs/", s.handleJob)
	mux.HandleFunc("/api/dashboard/stream", s.handleStream)
	mux.HandleFunc("/api/dashboard/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Close unmounts every cached job detail view.
func (s *Server) Close() {
	s.detailMu.Lock()
	defer s.detailMu.Unlock()
	s.details.Purge()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := s.status()
	writeJSON(w, http.StatusOK, map[string]any{
		"transport": state,
		"connected": state == network.StateConnected,
		"listeners": s.reg.Total(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, at := s.agents.Agents()
	if at.IsZero() {
		s.agents.Refresh()
		agents, at = s.agents.Agents()
	}
	jobs, _ := s.jobs.Jobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":     nonNil(agents),
		"summary":    summarize(agents, jobs),
		"updated_at": at,
	})
}

// agentSummary is the pool overview: agents per status and the running jobs
// seen on each agent in the mounted jobs page.
type agentSummary struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Idle        int            `json:"idle"`
	Offline     int            `json:"offline"`
	RunningJobs map[string]int `json:"running_jobs"`
}

func summarize(agents []dashapi.Agent, jobs []dashapi.Job) agentSummary {
	sum := agentSummary{Total: len(agents), RunningJobs: make(map[string]int, len(agents))}
	for _, a := range agents {
		switch strings.ToLower(a.Status) {
		case "active", "busy":
			sum.Active++
		case "idle", "online":
			sum.Idle++
		case "offline":
			sum.Offline++
		}
		sum.RunningJobs[a.ID.String()] = 0
	}
	for _, j := range jobs {
		if j.AgentID != "" && strings.EqualFold(j.Status, "running") {
			sum.RunningJobs[j.AgentID.String()]++
		}
	}
	return sum
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/dashboard/agents/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "restart" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.api.RestartAgent(r.Context(), parts[0]); err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writeNoContent(w)
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		var req dashapi.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if strings.TrimSpace(req.Image) == "" {
			writeError(w, http.StatusBadRequest, "image required")
			return
		}
		if req.Env == nil {
			req.Env = map[string]string{}
		}
		job, err := s.api.CreateJob(r.Context(), req)
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": job})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// listJobs serves the mounted first page from its snapshot; other pages are
// fetched on demand.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseJobsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	base := s.jobs.Query()
	if base.Limit == 0 {
		base.Limit = dashapi.DefaultJobsLimit
	}
	if q.Limit == 0 {
		q.Limit = base.Limit
	}
	if q == base {
		jobs, at := s.jobs.Jobs()
		if at.IsZero() {
			s.jobs.Refresh()
			jobs, at = s.jobs.Jobs()
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs), "updated_at": at})
		return
	}
	jobs := s.api.GetJobs(r.Context(), q)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs), "updated_at": time.Now().UTC()})
}

func parseJobsQuery(r *http.Request) (dashapi.JobsQuery, error) {
	v := r.URL.Query()
	q := dashapi.JobsQuery{AgentID: v.Get("agent_id")}
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("invalid offset")
		}
		q.Offset = n
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/dashboard/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "job id missing")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		v := s.detailView(id)
		detail, at := v.Detail()
		if at.IsZero() {
			v.Refresh()
			detail, at = v.Detail()
		}
		if detail.Job == nil {
			s.dropDetail(id, v)
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": detail.Job, "logs": detail.Logs, "updated_at": at})
	case action == "cancel" && r.Method == http.MethodPost:
		job, err := s.api.CancelJob(r.Context(), id)
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

// detailView returns the mounted view for a job, mounting it on first use.
func (s *Server) detailView(id string) *views.JobDetailView {
	s.detailMu.Lock()
	defer s.detailMu.Unlock()
	if v, ok := s.details.Get(id); ok {
		return v
	}
	v := views.NewJobDetailView(s.api, s.reg, id, s.interval)
	v.Mount(s.ctx)
	s.details.Add(id, v)
	return v
}

// dropDetail evicts v, which unmounts it, unless the cache already holds a
// newer view for id.
func (s *Server) dropDetail(id string, v *views.JobDetailView) {
	s.detailMu.Lock()
	defer s.detailMu.Unlock()
	if cur, ok := s.details.Peek(id); ok && cur == v {
		s.details.Remove(id)
	}
}

// writeBackendError passes the backend's status through and maps transport
// failures to 502.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	var serr *dashapi.StatusError
	if errors.As(err, &serr) {
		writeError(w, serr.StatusCode, backendMessage(serr))
		return
	}
	s.log.WithError(err).Warn("backend request failed")
	writeError(w, http.StatusBadGateway, err.Error())
}

// backendMessage unwraps {"error": "..."} bodies.
func backendMessage(serr *dashapi.StatusError) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(serr.Body), &body) == nil && body.Error != "" {
		return body.Error
	}
	if msg := strings.TrimSpace(serr.Body); msg != "" {
		return msg
	}
	return http.StatusText(serr.StatusCode)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

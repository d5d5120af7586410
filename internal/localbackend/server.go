// Package localbackend is an in-memory orchestration backend. It serves the
// same HTTP surface as the real one and publishes its events through a
// network.PubSub, so the dashboard can run end to end without external
// services.
package localbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
)

const (
	AgentActive  = "Active"
	AgentIdle    = "Idle"
	AgentOffline = "Offline"

	JobPending   = "Pending"
	JobRunning   = "Running"
	JobCompleted = "Completed"
	JobCancelled = "Cancelled"

	// stepsPerJob is how many log lines a simulated job writes before it
	// completes.
	stepsPerJob = 3
)

type event struct {
	Type  string         `json:"type"`
	ID    dashapi.ID     `json:"id"`
	Job   *dashapi.Job   `json:"job,omitempty"`
	Agent *dashapi.Agent `json:"agent,omitempty"`
	At    time.Time      `json:"at"`
}

type localStore struct {
	mu       sync.RWMutex
	agents   []*dashapi.Agent
	jobs     []*dashapi.Job
	logs     map[dashapi.ID][]string
	progress map[dashapi.ID]int
	nextID   int
}

func newLocalStore() *localStore {
	now := timestamp()
	return &localStore{
		agents: []*dashapi.Agent{
			{ID: "1", Name: "picpic-agent-01", Status: AgentIdle, Platform: "linux/amd64", Backend: "docker", Capacity: 4, Version: "0.3.0", LastHeartbeat: now},
			{ID: "2", Name: "picpic-agent-02", Status: AgentIdle, Platform: "linux/arm64", Backend: "docker", Capacity: 2, Version: "0.3.0", LastHeartbeat: now},
			{ID: "3", Name: "picpic-agent-03", Status: AgentOffline, Platform: "darwin/arm64", Backend: "podman", Capacity: 1, Version: "0.2.1", LastHeartbeat: now},
		},
		logs:     map[dashapi.ID][]string{},
		progress: map[dashapi.ID]int{},
		nextID:   1,
	}
}

type Server struct {
	store  *localStore
	pubsub network.PubSub
	topics events.Topics
	log    *log.Entry
}

// NewServer returns a backend seeded with a small agent pool. Events go to
// ps on the given topics; ps may be nil to disable publishing.
func NewServer(ps network.PubSub, topics events.Topics) *Server {
	return &Server{
		store:  newLocalStore(),
		pubsub: ps,
		topics: topics,
		log:    log.WithField("component", "localbackend"),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgent)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJob)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.store.mu.RLock()
	out := make([]dashapi.Agent, 0, len(s.store.agents))
	for _, a := range s.store.agents {
		out = append(out, *a)
	}
	s.store.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "restart" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.store.mu.Lock()
	a := s.store.agentLocked(dashapi.ID(parts[0]))
	if a == nil {
		s.store.mu.Unlock()
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	a.Status = AgentIdle
	if s.store.runningOnLocked(a.ID) > 0 {
		a.Status = AgentActive
	}
	a.LastHeartbeat = timestamp()
	cp := *a
	s.store.mu.Unlock()

	s.publishAgent(cp)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": cp})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.createJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = dashapi.DefaultJobsLimit
	}
	if offset < 0 {
		offset = 0
	}
	agentID := dashapi.ID(q.Get("agent_id"))

	s.store.mu.RLock()
	matched := make([]dashapi.Job, 0, len(s.store.jobs))
	for i := len(s.store.jobs) - 1; i >= 0; i-- {
		j := s.store.jobs[i]
		if agentID != "" && j.AgentID != agentID {
			continue
		}
		matched = append(matched, *j)
	}
	s.store.mu.RUnlock()

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	writeJSON(w, http.StatusOK, matched[offset:end])
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req dashapi.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		writeError(w, http.StatusBadRequest, "image required")
		return
	}
	s.store.mu.Lock()
	j := &dashapi.Job{
		ID:          dashapi.ID(strconv.Itoa(s.store.nextID)),
		Submitted:   timestamp(),
		Status:      JobPending,
		DockerImage: req.Image,
		DockerCmd:   req.Command,
	}
	s.store.nextID++
	s.store.jobs = append(s.store.jobs, j)
	cp := *j
	s.store.mu.Unlock()

	s.publishJob("job_created", cp)
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "job id missing")
		return
	}
	id := dashapi.ID(parts[0])
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.store.mu.RLock()
		j := s.store.jobLocked(id)
		var cp dashapi.Job
		if j != nil {
			cp = *j
		}
		s.store.mu.RUnlock()
		if j == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, cp)
	case action == "logs" && r.Method == http.MethodGet:
		s.store.mu.RLock()
		j := s.store.jobLocked(id)
		lines := append([]string(nil), s.store.logs[id]...)
		s.store.mu.RUnlock()
		if j == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			_, _ = fmt.Fprintln(w, line)
		}
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelJob(w, id)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, id dashapi.ID) {
	s.store.mu.Lock()
	j := s.store.jobLocked(id)
	if j == nil {
		s.store.mu.Unlock()
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status == JobCompleted || j.Status == JobCancelled {
		s.store.mu.Unlock()
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	j.Status = JobCancelled
	j.Ended = timestamp()
	delete(s.store.progress, id)
	cp := *j
	freed := s.store.releaseAgentLocked(j.AgentID)
	s.store.mu.Unlock()

	s.publishJob("job_cancelled", cp)
	if freed != nil {
		s.publishAgent(*freed)
	}
	writeJSON(w, http.StatusOK, cp)
}

// Step advances the simulation by one tick: pending jobs are placed on an
// available agent, running jobs write a log line and complete after a few
// lines.
func (s *Server) Step() {
	type logLine struct {
		id   dashapi.ID
		line string
	}
	var (
		jobEvents   []event
		agentEvents []dashapi.Agent
		lines       []logLine
	)

	s.store.mu.Lock()
	for _, j := range s.store.jobs {
		switch j.Status {
		case JobPending:
			a := s.store.freeAgentLocked()
			if a == nil {
				continue
			}
			j.Status = JobRunning
			j.Started = timestamp()
			j.AgentID = a.ID
			s.store.progress[j.ID] = 0
			line := fmt.Sprintf("pulling %s (container %s)", j.DockerImage, uuid.NewString()[:12])
			s.store.logs[j.ID] = append(s.store.logs[j.ID], line)
			lines = append(lines, logLine{j.ID, line})
			jobEvents = append(jobEvents, event{Type: events.TypeJobUpdate, ID: j.ID, Job: copyJob(j)})
			if a.Status != AgentActive {
				a.Status = AgentActive
				agentEvents = append(agentEvents, *a)
			}
		case JobRunning:
			s.store.progress[j.ID]++
			n := s.store.progress[j.ID]
			line := fmt.Sprintf("[%d/%d] %s", n, stepsPerJob, j.DockerCmd)
			s.store.logs[j.ID] = append(s.store.logs[j.ID], line)
			lines = append(lines, logLine{j.ID, line})
			if n < stepsPerJob {
				continue
			}
			j.Status = JobCompleted
			j.Ended = timestamp()
			delete(s.store.progress, j.ID)
			jobEvents = append(jobEvents, event{Type: events.TypeJobUpdate, ID: j.ID, Job: copyJob(j)})
			if freed := s.store.releaseAgentLocked(j.AgentID); freed != nil {
				agentEvents = append(agentEvents, *freed)
			}
		}
	}
	s.store.mu.Unlock()

	for _, l := range lines {
		s.publishRaw(s.topics.LogsPrefix()+l.id.String(), []byte(l.line))
	}
	for _, e := range jobEvents {
		e.At = time.Now().UTC()
		s.publishEvent(e)
	}
	for _, a := range agentEvents {
		s.publishAgent(a)
	}
}

// Run calls Step every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Step()
		}
	}
}

func (st *localStore) agentLocked(id dashapi.ID) *dashapi.Agent {
	for _, a := range st.agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (st *localStore) jobLocked(id dashapi.ID) *dashapi.Job {
	for _, j := range st.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (st *localStore) runningOnLocked(agentID dashapi.ID) int {
	n := 0
	for _, j := range st.jobs {
		if j.Status == JobRunning && j.AgentID == agentID {
			n++
		}
	}
	return n
}

// freeAgentLocked picks the online agent with the most spare capacity.
func (st *localStore) freeAgentLocked() *dashapi.Agent {
	candidates := make([]*dashapi.Agent, 0, len(st.agents))
	for _, a := range st.agents {
		if a.Status != AgentOffline && st.runningOnLocked(a.ID) < a.Capacity {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, k int) bool {
		return candidates[i].Capacity-st.runningOnLocked(candidates[i].ID) >
			candidates[k].Capacity-st.runningOnLocked(candidates[k].ID)
	})
	return candidates[0]
}

// releaseAgentLocked marks the agent idle once it runs nothing and returns a
// copy when its status changed.
func (st *localStore) releaseAgentLocked(agentID dashapi.ID) *dashapi.Agent {
	a := st.agentLocked(agentID)
	if a == nil || a.Status != AgentActive || st.runningOnLocked(agentID) > 0 {
		return nil
	}
	a.Status = AgentIdle
	cp := *a
	return &cp
}

func (s *Server) publishJob(typ string, j dashapi.Job) {
	s.publishEvent(event{Type: typ, ID: j.ID, Job: &j, At: time.Now().UTC()})
}

func (s *Server) publishAgent(a dashapi.Agent) {
	s.publishEvent(event{Type: events.TypeAgentUpdate, ID: a.ID, Agent: &a, At: time.Now().UTC()})
}

func (s *Server) publishEvent(evt event) {
	b, err := json.Marshal(evt)
	if err != nil {
		s.log.WithError(err).Warn("encode event")
		return
	}
	s.publishRaw(s.topics.Global, b)
}

func (s *Server) publishRaw(topic string, payload []byte) {
	if s.pubsub == nil {
		return
	}
	if err := s.pubsub.Publish(topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish failed")
	}
}

func copyJob(j *dashapi.Job) *dashapi.Job {
	cp := *j
	return &cp
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

package localbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
)

func drain(ch <-chan network.Message) []network.Message {
	var out []network.Message
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func eventTypes(t *testing.T, msgs []network.Message, topic string) []string {
	t.Helper()
	var types []string
	for _, msg := range msgs {
		if msg.Topic != topic {
			continue
		}
		var evt struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		types = append(types, evt.Type)
	}
	return types
}

func TestLocalJobLifecycle(t *testing.T) {
	ps := network.NewMemoryPubSub()
	ch, cancel, err := ps.Subscribe("picpic/#")
	require.NoError(t, err)
	defer cancel()

	s := NewServer(ps, events.DefaultTopics())
	mux := http.NewServeMux()
	s.Register(mux)

	post := func(path string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := post("/api/jobs", `{"image":"alpine","command":"echo hi","env":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job dashapi.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, dashapi.ID("1"), job.ID)
	require.Equal(t, JobPending, job.Status)

	for i := 0; i <= stepsPerJob; i++ {
		s.Step()
	}

	rec = get("/api/jobs/1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, dashapi.ID("1"), job.AgentID)

	rec = get("/api/jobs/1/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pulling alpine")
	require.Contains(t, rec.Body.String(), "[3/3] echo hi\n")

	msgs := drain(ch)
	require.Equal(t, []string{"job_created", "job_update", "agent_update", "job_update", "agent_update"},
		eventTypes(t, msgs, "picpic/events"))
	logLines := 0
	for _, msg := range msgs {
		if msg.Topic == "picpic/logs/1" {
			logLines++
		}
	}
	require.Equal(t, stepsPerJob+1, logLines)

	rec = post("/api/jobs/1/cancel", `{}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, http.StatusNotFound, get("/api/jobs/99").Code)
	require.Equal(t, http.StatusBadRequest, post("/api/jobs", `{"command":"x"}`).Code)
}

func TestLocalBackendThroughClientAndRouter(t *testing.T) {
	ps := network.NewMemoryPubSub()
	ch, cancel, err := ps.Subscribe("picpic/#")
	require.NoError(t, err)
	defer cancel()

	s := NewServer(ps, events.DefaultTopics())
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := dashapi.New(srv.URL, nil)
	require.Len(t, c.GetAgents(ctx), 3)

	created, err := c.CreateJob(ctx, dashapi.CreateJobRequest{Image: "busybox", Command: "sleep 1"})
	require.NoError(t, err)
	_, err = c.CreateJob(ctx, dashapi.CreateJobRequest{Image: "busybox", Command: "true"})
	require.NoError(t, err)

	jobs := c.GetJobs(ctx, dashapi.JobsQuery{Limit: 1})
	require.Len(t, jobs, 1)
	require.Equal(t, dashapi.ID("2"), jobs[0].ID)

	cancelled, err := c.CancelJob(ctx, created.ID.String())
	require.NoError(t, err)
	require.Equal(t, JobCancelled, cancelled.Status)
	_, err = c.CancelJob(ctx, created.ID.String())
	var serr *dashapi.StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusConflict, serr.StatusCode)

	require.NoError(t, c.RestartAgent(ctx, "3"))
	require.Error(t, c.RestartAgent(ctx, "404"))

	reg := events.NewRegistry(nil)
	var jobUpdates, agentUpdates int
	reg.Subscribe(events.ChannelJobUpdate, func(events.Event) { jobUpdates++ })
	reg.Subscribe(events.ChannelAgentUpdate, func(events.Event) { agentUpdates++ })
	router := events.NewRouter(reg, events.DefaultTopics(), nil)
	for _, msg := range drain(ch) {
		router.Route(msg.Topic, msg.Payload)
	}
	require.Equal(t, 3, jobUpdates)
	require.Equal(t, 1, agentUpdates)
}

func TestOfflineAgentsGetNoWork(t *testing.T) {
	s := NewServer(nil, events.DefaultTopics())
	s.store.mu.Lock()
	for _, a := range s.store.agents {
		a.Status = AgentOffline
	}
	s.store.mu.Unlock()

	mux := http.NewServeMux()
	s.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(`{"image":"alpine"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	s.Step()
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	require.Equal(t, JobPending, s.store.jobs[0].Status)
}

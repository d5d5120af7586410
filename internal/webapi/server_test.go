package webapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
	"picpic-dash/internal/localbackend"
	"picpic-dash/internal/metrics"
	"picpic-dash/internal/realtime"
	"picpic-dash/internal/views"
)

type fixture struct {
	srv     *httptest.Server
	reg     *events.Registry
	backend *localbackend.Server
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	topics := events.DefaultTopics()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	ps := network.NewMemoryPubSub()
	backend := localbackend.NewServer(ps, topics)
	bmux := http.NewServeMux()
	backend.Register(bmux)
	bsrv := httptest.NewServer(bmux)

	api := dashapi.New(bsrv.URL, m)
	reg := events.NewRegistry(m)
	client := realtime.New(realtime.StaticDialer(ps), events.NewRouter(reg, topics, m), topics, m)
	require.NoError(t, client.Connect(ctx))

	agents := views.NewAgentsView(api, reg, time.Hour)
	jobs := views.NewJobsView(api, reg, dashapi.JobsQuery{Limit: dashapi.DefaultJobsLimit}, time.Hour)
	agents.Mount(ctx)
	jobs.Mount(ctx)

	s, err := NewServer(ctx, Options{
		Backend:         api,
		Registry:        reg,
		Agents:          agents,
		Jobs:            jobs,
		Status:          client.Status,
		PollInterval:    time.Hour,
		DetailCacheSize: cacheSize,
		Metrics:         m,
		Gatherer:        promReg,
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		s.Close()
		agents.Unmount()
		jobs.Unmount()
		_ = client.Close()
		cancel()
		bsrv.Close()
	})
	return &fixture{srv: srv, reg: reg, backend: backend}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestDashboardSnapshotsAndActions(t *testing.T) {
	f := newFixture(t, 8)

	code, body := f.do(t, http.MethodGet, "/api/dashboard/agents", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["agents"], 3)
	summary := body["summary"].(map[string]any)
	require.Equal(t, 3.0, summary["total"])
	require.Equal(t, 2.0, summary["idle"])
	require.Equal(t, 1.0, summary["offline"])
	require.Equal(t, map[string]any{"1": 0.0, "2": 0.0, "3": 0.0}, summary["running_jobs"])

	code, body = f.do(t, http.MethodPost, "/api/dashboard/jobs", `{"image":"alpine","command":"echo hi"}`)
	require.Equal(t, http.StatusCreated, code, body)

	// job_created reaches the jobs view through the broker.
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/dashboard/jobs", "")
		jobs, _ := body["jobs"].([]any)
		return len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/dashboard/jobs/1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Pending", body["job"].(map[string]any)["status"])

	f.backend.Step()
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/dashboard/jobs/1", "")
		logs, _ := body["logs"].(string)
		return strings.Contains(logs, "pulling alpine")
	}, 2*time.Second, 10*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/dashboard/jobs?limit=5&agent_id=1", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["jobs"], 1)

	code, body = f.do(t, http.MethodPost, "/api/dashboard/jobs/1/cancel", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Cancelled", body["job"].(map[string]any)["status"])

	code, body = f.do(t, http.MethodPost, "/api/dashboard/jobs/1/cancel", "")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "job already finished", body["error"])

	code, _ = f.do(t, http.MethodPost, "/api/dashboard/agents/2/restart", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/dashboard/agents/99/restart", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/dashboard/jobs", `{"image":`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/dashboard/jobs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/dashboard/jobs/404", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestSSEStreamReleasesListeners(t *testing.T) {
	f := newFixture(t, 8)
	baseline := f.reg.Total()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/dashboard/stream?channel=job-log:7", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, baseline+1, f.reg.Total())

	f.reg.Emit(events.JobLogChannel("7"), "hello")
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: job-log:7\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: \"hello\"\n", line)

	cancel()
	require.Eventually(t, func() bool { return f.reg.Total() == baseline }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketStreamReleasesListeners(t *testing.T) {
	f := newFixture(t, 8)
	baseline := f.reg.Total()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/dashboard/ws?channel=agent-update"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.reg.Total() == baseline+1 }, 2*time.Second, 10*time.Millisecond)

	f.reg.Emit(events.ChannelAgentUpdate, map[string]any{"type": "agent_update", "id": 2.0})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt streamEvent
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, events.ChannelAgentUpdate, evt.Channel)
	require.Equal(t, map[string]any{"type": "agent_update", "id": 2.0}, evt.Detail)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.reg.Total() == baseline }, 2*time.Second, 10*time.Millisecond)
}

func TestDetailCacheEvictionUnmounts(t *testing.T) {
	f := newFixture(t, 1)
	for i := 0; i < 2; i++ {
		code, _ := f.do(t, http.MethodPost, "/api/dashboard/jobs", `{"image":"alpine"}`)
		require.Equal(t, http.StatusCreated, code)
	}

	code, _ := f.do(t, http.MethodGet, "/api/dashboard/jobs/1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, f.reg.Len(events.JobLogChannel("1")))

	code, _ = f.do(t, http.MethodGet, "/api/dashboard/jobs/2", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, f.reg.Len(events.JobLogChannel("1")))
	require.Equal(t, 1, f.reg.Len(events.JobLogChannel("2")))
}

func TestSummarizeAgents(t *testing.T) {
	agents := []dashapi.Agent{
		{ID: "1", Status: "Active"},
		{ID: "2", Status: "Idle"},
		{ID: "3", Status: "Offline"},
		{ID: "4", Status: "online"},
	}
	jobs := []dashapi.Job{
		{ID: "10", Status: "Running", AgentID: "1"},
		{ID: "11", Status: "Running", AgentID: "1"},
		{ID: "12", Status: "Completed", AgentID: "2"},
		{ID: "13", Status: "Pending"},
	}
	require.Equal(t, agentSummary{
		Total:       4,
		Active:      1,
		Idle:        2,
		Offline:     1,
		RunningJobs: map[string]int{"1": 2, "2": 0, "3": 0, "4": 0},
	}, summarize(agents, jobs))
}

func TestMissingJobDetailIsNotCached(t *testing.T) {
	f := newFixture(t, 8)
	baseline := f.reg.Total()

	code, body := f.do(t, http.MethodGet, "/api/dashboard/jobs/404", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "job not found", body["error"])
	require.Equal(t, 0, f.reg.Len(events.JobLogChannel("404")))
	require.Equal(t, baseline, f.reg.Total())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 8)

	code, body := f.do(t, http.MethodGet, "/api/dashboard/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "connected", body["transport"])
	require.Equal(t, true, body["connected"])

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "picpic_dash_broker_connected 1")
	require.Contains(t, string(raw), "picpic_dash_registry_listeners")
}

func TestUnreachableBackendIsBadGateway(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	api := dashapi.New(dead.URL, nil)
	reg := events.NewRegistry(nil)
	s, err := NewServer(context.Background(), Options{
		Backend:  api,
		Registry: reg,
		Agents:   views.NewAgentsView(api, reg, time.Hour),
		Jobs:     views.NewJobsView(api, reg, dashapi.JobsQuery{}, time.Hour),
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dashboard/jobs", bytes.NewBufferString(`{"image":"alpine"}`)))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/health", nil))
	require.Contains(t, rec.Body.String(), `"disconnected"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

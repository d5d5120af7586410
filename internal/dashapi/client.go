// Package dashapi is the client for the orchestration backend's HTTP API.
//
// Read calls never fail: errors are logged and an empty value is returned, so
// views degrade to empty state. Write calls return their errors so the caller
// can show them to the user.
package dashapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/metrics"
)

// StatusError is returned by write calls when the backend answers with a
// non-2xx status. Body holds the backend's response text.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, body)
}

type Client struct {
	base    string
	http    *http.Client
	metrics *metrics.Metrics
	log     *log.Entry
}

// New returns a client for the backend at baseURL using a pooled
// go-cleanhttp transport.
func New(baseURL string, m *metrics.Metrics) *Client {
	return NewWithHTTPClient(baseURL, cleanhttp.DefaultPooledClient(), m)
}

func NewWithHTTPClient(baseURL string, hc *http.Client, m *metrics.Metrics) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    hc,
		metrics: m,
		log:     log.WithField("component", "dashapi"),
	}
}

func (c *Client) GetAgents(ctx context.Context) []Agent {
	var agents []Agent
	if err := c.getJSON(ctx, "/api/agents", &agents); err != nil {
		c.readFailed(ctx, "get_agents", err)
		return []Agent{}
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents
}

// GetJobs returns one page of jobs. The backend may answer with a bare array
// or with a {"jobs": [...]} envelope.
func (c *Client) GetJobs(ctx context.Context, q JobsQuery) []Job {
	if q.Limit <= 0 {
		q.Limit = DefaultJobsLimit
	}
	params := url.Values{}
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}

	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/jobs?"+params.Encode(), &raw); err != nil {
		c.readFailed(ctx, "get_jobs", err)
		return []Job{}
	}
	jobs, err := decodeJobs(raw)
	if err != nil {
		c.readFailed(ctx, "get_jobs", err)
		return []Job{}
	}
	return jobs
}

func decodeJobs(raw json.RawMessage) ([]Job, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var jobs []Job
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return nil, errors.Wrap(err, "decode jobs")
		}
		return jobs, nil
	}
	var env jobsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errors.Wrap(err, "decode jobs envelope")
	}
	if env.Jobs == nil {
		return []Job{}, nil
	}
	return env.Jobs, nil
}

// GetJob fetches a single job, or nil when it cannot be read.
func (c *Client) GetJob(ctx context.Context, id string) *Job {
	var job Job
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(id), &job); err != nil {
		c.readFailed(ctx, "get_job", err)
		return nil
	}
	return &job
}

// GetJobLogs returns the job's plain-text log, or "" when it cannot be read.
func (c *Client) GetJobLogs(ctx context.Context, id string) string {
	resp, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		c.readFailed(ctx, "get_job_logs", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.readFailed(ctx, "get_job_logs", errors.Errorf("backend returned %d", resp.StatusCode))
		return ""
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.readFailed(ctx, "get_job_logs", err)
		return ""
	}
	return string(b)
}

func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if req.Env == nil {
		req.Env = map[string]string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode create job request")
	}
	var job Job
	if err := c.write(ctx, "create_job", "/api/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.write(ctx, "cancel_job", "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) RestartAgent(ctx context.Context, id string) error {
	return c.write(ctx, "restart_agent", "/api/agents/"+url.PathEscape(id)+"/restart", nil, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("GET %s: backend returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "GET %s: decode response", path)
	}
	return nil
}

// write POSTs body and decodes a non-empty 2xx response into out.
func (c *Client) write(ctx context.Context, op, path string, body []byte, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		c.metrics.BackendFailed(op)
		c.log.WithError(err).WithField("op", op).Error("backend write failed")
		return errors.Wrap(err, op)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.BackendFailed(op)
		return errors.Wrapf(err, "%s: read response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.BackendFailed(op)
		serr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
		c.log.WithError(serr).WithField("op", op).Error("backend write failed")
		return serr
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

func (c *Client) readFailed(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		c.log.WithError(err).WithField("op", op).Debug("backend read abandoned")
		return
	}
	c.metrics.BackendFailed(op)
	c.log.WithError(err).WithField("op", op).Error("backend read failed")
}

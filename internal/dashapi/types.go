package dashapi

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is a backend record identifier. The backend serves numeric ids, but
// quoted ids are accepted too and kept verbatim.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// Agent is a worker node record as served by the backend.
type Agent struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Platform      string `json:"platform"`
	Backend       string `json:"backend"`
	Capacity      int    `json:"capacity"`
	Version       string `json:"version"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// Job is a unit of work record as served by the backend.
type Job struct {
	ID          ID     `json:"id"`
	Submitted   string `json:"t_sub"`
	Started     string `json:"t_start"`
	Ended       string `json:"t_end"`
	Status      string `json:"status"`
	DockerImage string `json:"docker_image"`
	DockerCmd   string `json:"docker_cmd"`
	AgentID     ID     `json:"agent_id,omitempty"`
}

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	Image   string            `json:"image"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env"`
}

// JobsQuery selects a page of jobs. A zero Limit means DefaultJobsLimit.
type JobsQuery struct {
	Offset  int
	Limit   int
	AgentID string
}

const DefaultJobsLimit = 20

type jobsEnvelope struct {
	Jobs []Job `json:"jobs"`
}

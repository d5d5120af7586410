package events

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/metrics"
)

const (
	ChannelJobUpdate   = "job-update"
	ChannelAgentUpdate = "agent-update"

	jobLogPrefix = "job-log:"
)

// Event types carried in the "type" field of global events.
const (
	TypeJobCreated   = "job_created"
	TypeJobCancelled = "job_cancelled"
	TypeJobUpdate    = "job_update"
	TypeAgentUpdate  = "agent_update"
)

// JobLogChannel names the channel carrying log output of one job.
func JobLogChannel(jobID string) string {
	return jobLogPrefix + jobID
}

// JobLogID extracts the job id from a job-log channel name.
func JobLogID(channel string) (string, bool) {
	if !strings.HasPrefix(channel, jobLogPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, jobLogPrefix), true
}

// Topics is the fixed broker subscription set.
type Topics struct {
	Global string `mapstructure:"global"`
	Jobs   string `mapstructure:"jobs"`
	Logs   string `mapstructure:"logs"`
}

func DefaultTopics() Topics {
	return Topics{
		Global: "picpic/events",
		Jobs:   "picpic/job/+",
		Logs:   "picpic/logs/#",
	}
}

// Patterns returns the subscription patterns in subscribe order.
func (t Topics) Patterns() []string {
	return []string{t.Global, t.Jobs, t.Logs}
}

// LogsPrefix is the literal prefix of log topics, e.g. "picpic/logs/".
func (t Topics) LogsPrefix() string {
	return strings.TrimSuffix(t.Logs, "#")
}

// Router classifies inbound broker messages and emits at most one event per
// message on the registry.
type Router struct {
	topics  Topics
	reg     *Registry
	metrics *metrics.Metrics
	log     *log.Entry
}

func NewRouter(reg *Registry, topics Topics, m *metrics.Metrics) *Router {
	return &Router{
		topics:  topics,
		reg:     reg,
		metrics: m,
		log:     log.WithField("component", "router"),
	}
}

// Decode parses payload as JSON, falling back to the raw text.
func Decode(payload []byte) any {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return string(payload)
	}
	return data
}

// Classify maps a topic and decoded payload to a channel name.
func (r *Router) Classify(topic string, data any) (string, bool) {
	if topic == r.topics.Global {
		obj, ok := data.(map[string]any)
		if !ok {
			return "", false
		}
		typ, _ := obj["type"].(string)
		switch typ {
		case TypeJobCreated, TypeJobCancelled, TypeJobUpdate:
			return ChannelJobUpdate, true
		case TypeAgentUpdate:
			return ChannelAgentUpdate, true
		}
		return "", false
	}
	if prefix := r.topics.LogsPrefix(); prefix != "" && strings.HasPrefix(topic, prefix) {
		id := topic[strings.LastIndex(topic, "/")+1:]
		if id == "" {
			return "", false
		}
		return JobLogChannel(id), true
	}
	return "", false
}

// Route decodes, classifies and emits one message. It never panics and
// reports whether an event was emitted.
func (r *Router) Route(topic string, payload []byte) (emitted bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RouteFailed()
			r.log.WithError(fmt.Errorf("%v", rec)).WithField("topic", topic).Error("failed to handle message")
			emitted = false
		}
	}()

	data := Decode(payload)
	r.log.WithField("topic", topic).Debugf("message: %s", payload)

	channel, ok := r.Classify(topic, data)
	if !ok {
		r.metrics.MessageDropped()
		return false
	}
	r.reg.Emit(channel, data)
	r.metrics.EventEmitted(channelKind(channel))
	return true
}

func channelKind(channel string) string {
	if _, ok := JobLogID(channel); ok {
		return "job-log"
	}
	return channel
}

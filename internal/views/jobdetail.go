package views

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
)

// JobDetail is the snapshot of one job page.
type JobDetail struct {
	Job  *dashapi.Job `json:"job"`
	Logs string       `json:"logs"`
}

// JobDetailView follows one job and its log stream.
type JobDetailView struct {
	*view[JobDetail]

	mu    sync.Mutex
	jobID string
	logs  *events.Binding
}

func NewJobDetailView(api Backend, reg *events.Registry, jobID string, interval time.Duration) *JobDetailView {
	v := &JobDetailView{jobID: jobID}
	fetch := func(ctx context.Context) JobDetail {
		id := v.JobID()
		return JobDetail{Job: api.GetJob(ctx, id), Logs: api.GetJobLogs(ctx, id)}
	}
	v.view = newView("job-detail", reg, interval, fetch)
	return v
}

func (v *JobDetailView) JobID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.jobID
}

func (v *JobDetailView) Mount(ctx context.Context) {
	v.mu.Lock()
	if v.logs == nil {
		v.logs = v.reg.Bind(events.JobLogChannel(v.jobID), v.onLog)
	}
	v.mu.Unlock()
	v.mount(ctx, map[string]events.Listener{
		events.ChannelJobUpdate: v.onJobUpdate,
	})
}

func (v *JobDetailView) Unmount() {
	v.mu.Lock()
	if v.logs != nil {
		v.logs.Close()
		v.logs = nil
	}
	v.mu.Unlock()
	v.unmount()
}

// SetJob switches the view to another job. The old log listener is removed
// before the new one is installed.
func (v *JobDetailView) SetJob(jobID string) {
	v.mu.Lock()
	if jobID == v.jobID {
		v.mu.Unlock()
		return
	}
	v.jobID = jobID
	if v.logs != nil {
		v.logs.Rebind(events.JobLogChannel(jobID))
	}
	v.mu.Unlock()
	v.reset(JobDetail{})
	v.trigger()
}

// Detail returns the latest snapshot and when it was taken.
func (v *JobDetailView) Detail() (JobDetail, time.Time) {
	return v.get()
}

// onJobUpdate refreshes when the event is about this job or names no job.
func (v *JobDetailView) onJobUpdate(e events.Event) {
	if obj, ok := e.Detail.(map[string]any); ok {
		if id, present := obj["id"]; present && idString(id) != v.JobID() {
			return
		}
	}
	v.trigger()
}

func idString(id any) string {
	if f, ok := id.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(id)
}

// onLog appends text log lines in place; structured log events trigger a
// full refresh instead. A line the fetched logs already end with came in
// through a refresh that raced the event and is not appended twice.
func (v *JobDetailView) onLog(e events.Event) {
	line, ok := e.Detail.(string)
	if !ok {
		v.trigger()
		return
	}
	v.set(func(d JobDetail) JobDetail {
		if endsWithLine(d.Logs, line) {
			return d
		}
		if d.Logs != "" && !strings.HasSuffix(d.Logs, "\n") {
			d.Logs += "\n"
		}
		d.Logs += line
		return d
	})
}

func endsWithLine(logs, line string) bool {
	logs = strings.TrimSuffix(logs, "\n")
	line = strings.TrimSuffix(line, "\n")
	if line == "" {
		return false
	}
	return logs == line || strings.HasSuffix(logs, "\n"+line)
}

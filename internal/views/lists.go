package views

import (
	"context"
	"time"

	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
)

// AgentsView is the agent pool listing.
type AgentsView struct {
	*view[[]dashapi.Agent]
}

func NewAgentsView(api Backend, reg *events.Registry, interval time.Duration) *AgentsView {
	return &AgentsView{view: newView("agents", reg, interval, api.GetAgents)}
}

func (v *AgentsView) Mount(ctx context.Context) {
	v.mount(ctx, map[string]events.Listener{
		events.ChannelAgentUpdate: func(events.Event) { v.trigger() },
	})
}

func (v *AgentsView) Unmount() { v.unmount() }

// Agents returns the latest snapshot and when it was taken.
func (v *AgentsView) Agents() ([]dashapi.Agent, time.Time) {
	agents, at := v.get()
	return append([]dashapi.Agent(nil), agents...), at
}

// JobsView is one page of the job listing.
type JobsView struct {
	*view[[]dashapi.Job]
	query dashapi.JobsQuery
}

func NewJobsView(api Backend, reg *events.Registry, q dashapi.JobsQuery, interval time.Duration) *JobsView {
	fetch := func(ctx context.Context) []dashapi.Job { return api.GetJobs(ctx, q) }
	return &JobsView{view: newView("jobs", reg, interval, fetch), query: q}
}

func (v *JobsView) Mount(ctx context.Context) {
	v.mount(ctx, map[string]events.Listener{
		events.ChannelJobUpdate: func(events.Event) { v.trigger() },
	})
}

func (v *JobsView) Unmount() { v.unmount() }

func (v *JobsView) Query() dashapi.JobsQuery { return v.query }

func (v *JobsView) Jobs() ([]dashapi.Job, time.Time) {
	jobs, at := v.get()
	return append([]dashapi.Job(nil), jobs...), at
}

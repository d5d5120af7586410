// Package views keeps dashboard snapshots fresh. A view is mounted for as
// long as something displays it: it polls the backend on a fixed interval and
// also refreshes when a routed event says its data changed. Both triggers go
// through one Refresh that never runs two fetches at once.
package views

import (
	"context"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
)

// DefaultPollInterval is the per-view re-fetch period.
const DefaultPollInterval = 5 * time.Second

// Backend is the read side of the orchestration API.
type Backend interface {
	GetAgents(ctx context.Context) []dashapi.Agent
	GetJobs(ctx context.Context, q dashapi.JobsQuery) []dashapi.Job
	GetJob(ctx context.Context, id string) *dashapi.Job
	GetJobLogs(ctx context.Context, id string) string
}

// view is the mount/refresh machinery shared by the concrete views.
type view[T any] struct {
	name     string
	reg      *events.Registry
	interval time.Duration
	fetch    func(ctx context.Context) T
	log      *log.Entry

	group singleflight.Group
	wg    sync.WaitGroup

	mu        sync.RWMutex
	snapshot  T
	updatedAt time.Time
	gen       uint64
	mounted   bool
	ctx       context.Context
	cancel    context.CancelFunc
	unsubs    []func()
}

func newView[T any](name string, reg *events.Registry, interval time.Duration, fetch func(context.Context) T) *view[T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &view[T]{
		name:     name,
		reg:      reg,
		interval: interval,
		fetch:    fetch,
		log:      log.WithField("view", name),
	}
}

// mount registers listeners, starts polling and kicks off a first refresh.
// Mounting a mounted view is a no-op.
func (v *view[T]) mount(parent context.Context, listeners map[string]events.Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mounted {
		return
	}
	v.mounted = true
	v.ctx, v.cancel = context.WithCancel(parent)
	for channel, fn := range listeners {
		v.unsubs = append(v.unsubs, v.reg.Subscribe(channel, fn))
	}

	v.wg.Add(1)
	go v.poll(v.ctx)
	v.triggerLocked()
	v.log.Debug("mounted")
}

// unmount deregisters every listener, stops polling and discards any fetch
// still in flight. It waits for the view's goroutines to finish.
func (v *view[T]) unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.gen++
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.unsubs = nil
	v.cancel()
	v.mu.Unlock()

	v.wg.Wait()
	v.log.Debug("unmounted")
}

func (v *view[T]) poll(ctx context.Context) {
	defer v.wg.Done()
	t := time.NewTicker(v.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			v.Refresh()
		}
	}
}

// trigger schedules a refresh without blocking; listeners call it from the
// event dispatch goroutine.
func (v *view[T]) trigger() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.triggerLocked()
}

func (v *view[T]) triggerLocked() {
	if !v.mounted {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.Refresh()
	}()
}

// Refresh fetches and stores a new snapshot. Concurrent calls share one
// fetch. A result that arrives after the view was unmounted is dropped.
func (v *view[T]) Refresh() {
	v.mu.RLock()
	if !v.mounted {
		v.mu.RUnlock()
		return
	}
	gen, ctx := v.gen, v.ctx
	v.mu.RUnlock()

	_, _, _ = v.group.Do(v.name+"/"+strconv.FormatUint(gen, 10), func() (any, error) {
		data := v.fetch(ctx)
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.gen != gen || !v.mounted {
			v.log.Debug("dropping stale refresh")
			return nil, nil
		}
		v.snapshot = data
		v.updatedAt = time.Now().UTC()
		return nil, nil
	})
}

func (v *view[T]) get() (T, time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshot, v.updatedAt
}

func (v *view[T]) set(fn func(T) T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return
	}
	v.snapshot = fn(v.snapshot)
	v.updatedAt = time.Now().UTC()
}

// reset replaces the snapshot and invalidates fetches already in flight.
func (v *view[T]) reset(snapshot T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.snapshot = snapshot
	v.updatedAt = time.Time{}
}

func (v *view[T]) isMounted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mounted
}

// Package events turns broker messages into local application events and
// fans them out to listeners registered by channel name.
package events

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/metrics"
)

// Event is one dispatch of a channel. It has no identity beyond the call.
type Event struct {
	Channel string
	Detail  any
}

// Listener receives events for the channel it was registered on. Listeners
// run on the emitter's goroutine and must return quickly.
type Listener func(Event)

type entry struct {
	fn      Listener
	removed atomic.Bool
}

// Registry is a publish/subscribe registry keyed by channel name.
type Registry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]*entry
	total     int
	metrics   *metrics.Metrics
	log       *log.Entry
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		listeners: make(map[string]map[uint64]*entry),
		metrics:   m,
		log:       log.WithField("component", "events"),
	}
}

// Subscribe registers fn on channel. The returned func removes exactly this
// registration; calling it more than once is harmless.
func (r *Registry) Subscribe(channel string, fn Listener) func() {
	e := &entry{fn: fn}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	byID, ok := r.listeners[channel]
	if !ok {
		byID = make(map[uint64]*entry)
		r.listeners[channel] = byID
	}
	byID[id] = e
	r.total++
	r.metrics.SetListeners(r.total)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.removed.Store(true)
			r.mu.Lock()
			defer r.mu.Unlock()
			if byID, ok := r.listeners[channel]; ok {
				if _, exists := byID[id]; exists {
					delete(byID, id)
					r.total--
				}
				if len(byID) == 0 {
					delete(r.listeners, channel)
				}
			}
			r.metrics.SetListeners(r.total)
		})
	}
}

// Emit delivers detail to every listener of channel before returning and
// reports how many listeners ran. A panicking listener is logged and does not
// stop delivery to the others.
func (r *Registry) Emit(channel string, detail any) int {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.listeners[channel]))
	for _, e := range r.listeners[channel] {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	evt := Event{Channel: channel, Detail: detail}
	n := 0
	for _, e := range targets {
		// Skip listeners removed by an earlier listener of this same dispatch.
		if e.removed.Load() {
			continue
		}
		r.invoke(e.fn, evt)
		n++
	}
	return n
}

func (r *Registry) invoke(fn Listener, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("channel", evt.Channel).Errorf("listener panicked: %v", rec)
		}
	}()
	fn(evt)
}

// Len returns the number of listeners registered on channel.
func (r *Registry) Len(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[channel])
}

// Total returns the number of listeners across all channels.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Binding is a registration owned by one component. Rebind moves it to a new
// channel, removing the old listener first.
type Binding struct {
	reg *Registry
	fn  Listener

	mu      sync.Mutex
	channel string
	cancel  func()
}

// Bind registers fn on channel and returns the owning Binding.
func (r *Registry) Bind(channel string, fn Listener) *Binding {
	b := &Binding{reg: r, fn: fn}
	b.Rebind(channel)
	return b
}

func (b *Binding) Channel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

func (b *Binding) Rebind(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		if b.channel == channel {
			return
		}
		b.cancel()
		b.cancel = nil
	}
	b.channel = channel
	b.cancel = b.reg.Subscribe(channel, b.fn)
}

// Close removes the listener. The Binding may be rebound afterwards.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

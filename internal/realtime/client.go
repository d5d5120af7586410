// Package realtime owns the dashboard's broker connection and feeds every
// inbound message to the event router.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/events"
	"picpic-dash/internal/metrics"
)

var ErrClosed = errors.New("realtime client closed")

// Dialer opens a transport. onState receives connection state transitions
// for as long as the transport lives.
type Dialer func(ctx context.Context, onState func(network.ConnState)) (network.PubSub, error)

// Client is the lazily created, process-wide broker connection. Connect is
// idempotent; Close is the only teardown.
type Client struct {
	dial    Dialer
	router  *events.Router
	topics  events.Topics
	metrics *metrics.Metrics
	log     *log.Entry

	mu      sync.Mutex
	ps      network.PubSub
	cancels []func()
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	stateMu sync.RWMutex
	state   network.ConnState
}

func New(dial Dialer, router *events.Router, topics events.Topics, m *metrics.Metrics) *Client {
	return &Client{
		dial:    dial,
		router:  router,
		topics:  topics,
		metrics: m,
		log:     log.WithField("component", "realtime"),
		state:   network.StateDisconnected,
	}
}

// Connect opens the transport and subscribes to the fixed topic set. It is a
// no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ps != nil {
		return nil
	}

	c.log.Info("connecting to broker")
	ps, err := c.dial(ctx, c.setState)
	if err != nil {
		c.setState(network.StateDisconnected)
		return fmt.Errorf("dial broker: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	inbox := make(chan network.Message)
	cancels := make([]func(), 0, 3)
	for _, pattern := range c.topics.Patterns() {
		ch, cancel, err := ps.Subscribe(pattern)
		if err != nil {
			stop()
			for _, cc := range cancels {
				cc()
			}
			closeTransport(ps)
			c.setState(network.StateDisconnected)
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		cancels = append(cancels, cancel)
		c.wg.Add(1)
		go c.forward(runCtx, pattern, ch, inbox)
	}

	c.ps = ps
	c.cancels = cancels
	c.stop = stop
	c.wg.Add(1)
	go c.dispatch(runCtx, inbox)
	return nil
}

// forward keeps per-pattern broker order on the way into the shared inbox.
func (c *Client) forward(ctx context.Context, pattern string, ch <-chan network.Message, inbox chan<- network.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.metrics.MessageReceived(pattern)
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch routes messages one at a time, so listeners never run concurrently
// with each other.
func (c *Client) dispatch(ctx context.Context, inbox <-chan network.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			c.router.Route(msg.Topic, msg.Payload)
		}
	}
}

// Close stops dispatch and disconnects. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ps == nil {
		c.setState(network.StateClosed)
		return nil
	}
	c.stop()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.wg.Wait()
	closeTransport(c.ps)
	c.ps = nil
	c.setState(network.StateClosed)
	return nil
}

// Status returns the last reported connection state.
func (c *Client) Status() network.ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s network.ConnState) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	c.metrics.SetConnected(s == network.StateConnected)
	if prev != s {
		c.log.WithFields(log.Fields{"from": prev, "to": s}).Info("broker connection state changed")
	}
}

func closeTransport(ps network.PubSub) {
	if closer, ok := ps.(io.Closer); ok {
		_ = closer.Close()
	}
}

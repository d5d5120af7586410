package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"picpic-dash/internal/core/network"
	"picpic-dash/internal/events"
)

func newTestClient(t *testing.T, ps network.PubSub) (*Client, *events.Registry, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	base := StaticDialer(ps)
	dial := func(ctx context.Context, onState func(network.ConnState)) (network.PubSub, error) {
		dials.Add(1)
		return base(ctx, onState)
	}
	reg := events.NewRegistry(nil)
	topics := events.DefaultTopics()
	c := New(dial, events.NewRouter(reg, topics, nil), topics, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c, reg, &dials
}

func TestConnectIsIdempotent(t *testing.T) {
	ps := network.NewMemoryPubSub()
	c, _, dials := newTestClient(t, ps)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, 3, ps.Subscribers(), "one subscription per fixed topic pattern")
	require.Equal(t, network.StateConnected, c.Status())
}

func TestAgentUpdateEndToEnd(t *testing.T) {
	ps := network.NewMemoryPubSub()
	c, reg, _ := newTestClient(t, ps)
	got := make(chan events.Event, 4)
	defer reg.Subscribe(events.ChannelAgentUpdate, func(e events.Event) { got <- e })()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, ps.Publish("picpic/events", []byte(`{"type":"agent_update","id":"a1"}`)))

	select {
	case e := <-got:
		detail, ok := e.Detail.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "a1", detail["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("agent-update was not emitted")
	}
	select {
	case e := <-got:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogOrderPreserved(t *testing.T) {
	ps := network.NewMemoryPubSub()
	c, reg, _ := newTestClient(t, ps)

	var mu sync.Mutex
	var lines []string
	done := make(chan struct{})
	const n = 50
	defer reg.Subscribe(events.JobLogChannel("9"), func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, e.Detail.(string))
		if len(lines) == n {
			close(done)
		}
	})()

	require.NoError(t, c.Connect(context.Background()))
	for i := 0; i < n; i++ {
		require.NoError(t, ps.Publish("picpic/logs/9", []byte(fmt.Sprintf("line-%02d", i))))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log lines")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, line := range lines {
		require.Equal(t, fmt.Sprintf("line-%02d", i), line)
	}
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	ps := network.NewMemoryPubSub()
	c, _, _ := newTestClient(t, ps)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 0, ps.Subscribers())
	require.Equal(t, network.StateClosed, c.Status())
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestDialFailureIsRetryable(t *testing.T) {
	ps := network.NewMemoryPubSub()
	fail := true
	dial := func(ctx context.Context, onState func(network.ConnState)) (network.PubSub, error) {
		if fail {
			return nil, errors.New("broker unreachable")
		}
		return StaticDialer(ps)(ctx, onState)
	}
	topics := events.DefaultTopics()
	c := New(dial, events.NewRouter(events.NewRegistry(nil), topics, nil), topics, nil)
	defer c.Close()

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, network.StateDisconnected, c.Status())

	fail = false
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, network.StateConnected, c.Status())
}

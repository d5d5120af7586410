package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"picpic-dash/internal/metrics"
)

func TestUnsubscribeIsExact(t *testing.T) {
	reg := NewRegistry(nil)
	var a, b int
	unsubA := reg.Subscribe(ChannelJobUpdate, func(Event) { a++ })
	unsubB := reg.Subscribe(ChannelJobUpdate, func(Event) { b++ })
	defer unsubB()

	require.Equal(t, 2, reg.Emit(ChannelJobUpdate, nil))
	unsubA()
	unsubA()
	require.Equal(t, 1, reg.Emit(ChannelJobUpdate, nil))

	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
	require.Equal(t, 1, reg.Len(ChannelJobUpdate))
}

func TestListenersShareEventInstance(t *testing.T) {
	reg := NewRegistry(nil)
	detail := map[string]any{"id": "a1"}
	var got []any
	for i := 0; i < 3; i++ {
		defer reg.Subscribe(ChannelAgentUpdate, func(e Event) { got = append(got, e.Detail) })()
	}
	reg.Emit(ChannelAgentUpdate, detail)
	require.Len(t, got, 3)
	for _, d := range got {
		require.Equal(t, detail, d)
	}
}

func TestRemovedDuringDispatchIsSkipped(t *testing.T) {
	reg := NewRegistry(nil)
	var unsubOther func()
	calls := 0
	first := reg.Subscribe(ChannelJobUpdate, func(Event) {
		calls++
		unsubOther()
	})
	defer first()
	unsubOther = reg.Subscribe(ChannelJobUpdate, func(Event) { calls++ })

	// If the first listener runs before the other, the other must be skipped.
	reg.Emit(ChannelJobUpdate, nil)
	require.LessOrEqual(t, calls, 2)
	require.Equal(t, 1, reg.Len(ChannelJobUpdate))
}

func TestBindingRebindDeregistersOld(t *testing.T) {
	reg := NewRegistry(nil)
	var got []string
	b := reg.Bind(JobLogChannel("1"), func(e Event) { got = append(got, e.Channel) })

	b.Rebind(JobLogChannel("1"))
	require.Equal(t, 1, reg.Total(), "rebinding the same channel must not stack listeners")

	b.Rebind(JobLogChannel("2"))
	require.Equal(t, 0, reg.Len(JobLogChannel("1")))
	require.Equal(t, 1, reg.Len(JobLogChannel("2")))
	require.Equal(t, JobLogChannel("2"), b.Channel())

	reg.Emit(JobLogChannel("1"), "stale")
	reg.Emit(JobLogChannel("2"), "fresh")
	require.Equal(t, []string{JobLogChannel("2")}, got)

	b.Close()
	b.Close()
	require.Equal(t, 0, reg.Total())
}

func TestListenerGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	reg := NewRegistry(m)

	u1 := reg.Subscribe("a", func(Event) {})
	u2 := reg.Subscribe("b", func(Event) {})
	require.Equal(t, 2.0, testutil.ToFloat64(m.Listeners))
	u1()
	u2()
	require.Equal(t, 0.0, testutil.ToFloat64(m.Listeners))
}

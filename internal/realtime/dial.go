package realtime

import (
	"context"

	"picpic-dash/internal/core/network"
)

// MQTTDialer starts a Paho client in the background; connection failures are
// logged and retried by the transport, never returned.
func MQTTDialer(opts network.MQTTOptions) Dialer {
	return func(_ context.Context, onState func(network.ConnState)) (network.PubSub, error) {
		opts.OnStateChange = onState
		ps := network.NewMQTTPubSub(opts)
		ps.Start()
		return ps, nil
	}
}

// Libp2pDialer joins the gossip mesh. The host outlives ctx and is released
// by Client.Close.
func Libp2pDialer(opts network.Libp2pOptions) Dialer {
	return func(_ context.Context, onState func(network.ConnState)) (network.PubSub, error) {
		onState(network.StateConnecting)
		ps, err := network.NewLibp2pPubSub(context.Background(), opts)
		if err != nil {
			return nil, err
		}
		onState(network.StateConnected)
		return ps, nil
	}
}

// StaticDialer hands out an existing transport, e.g. a MemoryPubSub.
func StaticDialer(ps network.PubSub) Dialer {
	return func(_ context.Context, onState func(network.ConnState)) (network.PubSub, error) {
		onState(network.StateConnected)
		return ps, nil
	}
}

package network

import (
	"errors"
	"strings"
)

// Message is the transport envelope handed to the dashboard.
type Message struct {
	Topic   string
	Payload []byte
}

// ConnState describes the broker connection as seen by the transport.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

var ErrTransportClosed = errors.New("transport closed")

// PubSub is a minimal interface for broker-style communication. Subscribe
// accepts MQTT-style patterns: "+" matches one level and a trailing "#"
// matches any number of levels.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(pattern string) (<-chan Message, func(), error)
}

// MatchTopic reports whether topic matches an MQTT-style subscription pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

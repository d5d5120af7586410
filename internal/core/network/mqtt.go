package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const publishTimeout = 10 * time.Second

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	URL             string
	ClientID        string
	KeepAlive       time.Duration
	ReconnectPeriod time.Duration
	// OnStateChange is called from the paho goroutines on every transition.
	OnStateChange func(ConnState)
}

type mqttSub struct {
	pattern string
	ch      chan Message
	done    chan struct{}
}

// MQTTPubSub is a PubSub backed by an MQTT broker. Subscriptions are recorded
// locally and re-issued on every (re)connect, so callers subscribe once.
type MQTTPubSub struct {
	opts   MQTTOptions
	client mqtt.Client
	log    *log.Entry

	mu     sync.Mutex
	nextID int
	subs   map[int]*mqttSub
	closed bool
}

func NewMQTTPubSub(opts MQTTOptions) *MQTTPubSub {
	if opts.ClientID == "" {
		opts.ClientID = "picpic-dash-" + uuid.NewString()[:8]
	}
	p := &MQTTPubSub{
		opts: opts,
		log:  log.WithFields(log.Fields{"component": "mqtt", "broker": opts.URL}),
		subs: make(map[int]*mqttSub),
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.ReconnectPeriod).
		SetMaxReconnectInterval(opts.ReconnectPeriod).
		SetOnConnectHandler(p.handleConnect).
		SetConnectionLostHandler(p.handleConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			p.setState(StateReconnecting)
		})
	p.client = mqtt.NewClient(co)
	return p
}

// Start dials the broker without waiting. Failed attempts are logged and
// retried every ReconnectPeriod by paho; subscriptions are issued on connect.
func (p *MQTTPubSub) Start() {
	tok := p.connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			p.log.WithError(err).Error("connect failed")
		}
	}()
}

// Connect dials the broker and blocks until the first connection succeeds or
// ctx is done. paho keeps retrying in the background after ctx is done.
func (p *MQTTPubSub) Connect(ctx context.Context) error {
	tok := p.connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", p.opts.URL, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPubSub) connect() mqtt.Token {
	p.setState(StateConnecting)
	return p.client.Connect()
}

func (p *MQTTPubSub) Publish(topic string, payload []byte) error {
	tok := p.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, publishTimeout)
	}
	return tok.Error()
}

func (p *MQTTPubSub) Subscribe(pattern string) (<-chan Message, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrTransportClosed
	}
	first := !p.hasPatternLocked(pattern)
	id := p.nextID
	p.nextID++
	sub := &mqttSub{pattern: pattern, ch: make(chan Message, 64), done: make(chan struct{})}
	p.subs[id] = sub
	p.mu.Unlock()

	if first && p.client.IsConnectionOpen() {
		if err := p.subscribeBroker(pattern); err != nil {
			p.log.WithError(err).WithField("topic", pattern).Warn("subscribe failed, will retry on reconnect")
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub.done)
			}
			last := !p.hasPatternLocked(pattern)
			p.mu.Unlock()
			if last && p.client.IsConnectionOpen() {
				p.client.Unsubscribe(pattern)
			}
		})
	}
	return sub.ch, cancel, nil
}

// Close disconnects from the broker and ends every subscription.
func (p *MQTTPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for id, sub := range p.subs {
		close(sub.done)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.client.Disconnect(250)
	p.setState(StateClosed)
	return nil
}

func (p *MQTTPubSub) handleConnect(mqtt.Client) {
	p.setState(StateConnected)
	for _, pattern := range p.patterns() {
		if err := p.subscribeBroker(pattern); err != nil {
			p.log.WithError(err).WithField("topic", pattern).Error("subscribe failed")
		}
	}
}

func (p *MQTTPubSub) handleConnectionLost(_ mqtt.Client, err error) {
	p.log.WithError(err).Warn("connection lost")
	p.setState(StateDisconnected)
}

func (p *MQTTPubSub) subscribeBroker(pattern string) error {
	tok := p.client.Subscribe(pattern, 0, func(_ mqtt.Client, m mqtt.Message) {
		p.deliver(pattern, Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	p.log.WithField("topic", pattern).Debug("subscribed")
	return nil
}

// deliver blocks until every subscriber of pattern accepted msg or went away,
// leaving paho's in-order queue as the only buffer.
func (p *MQTTPubSub) deliver(pattern string, msg Message) {
	p.mu.Lock()
	targets := make([]*mqttSub, 0, 1)
	for _, sub := range p.subs {
		if sub.pattern == pattern {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
}

func (p *MQTTPubSub) patterns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{}, len(p.subs))
	out := make([]string, 0, len(p.subs))
	for _, sub := range p.subs {
		if _, ok := seen[sub.pattern]; ok {
			continue
		}
		seen[sub.pattern] = struct{}{}
		out = append(out, sub.pattern)
	}
	return out
}

func (p *MQTTPubSub) hasPatternLocked(pattern string) bool {
	for _, sub := range p.subs {
		if sub.pattern == pattern {
			return true
		}
	}
	return false
}

func (p *MQTTPubSub) setState(s ConnState) {
	p.log.WithField("state", s).Info("mqtt state changed")
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(s)
	}
}

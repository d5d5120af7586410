package network

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// DefaultMeshTopic is the gossip topic carrying broker envelopes.
const DefaultMeshTopic = "picpic.mesh"

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	MeshTopic       string
}

// envelope carries the broker topic alongside the payload, because GossipSub
// topics have no wildcard routing of their own.
type envelope struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Libp2pPubSub provides gossip-based pubsub over libp2p. Every message travels
// on a single mesh topic and subscription patterns are matched locally.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	host host.Host
	ps   *pubsub.PubSub
	log  *log.Entry

	mu    sync.Mutex
	mesh  *pubsub.Topic
	topic string
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	ctx, cancel := context.WithCancel(parent)
	logger := log.WithField("component", "libp2p")

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	meshTopic := opts.MeshTopic
	if meshTopic == "" {
		meshTopic = DefaultMeshTopic
	}
	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		ps:     ps,
		log:    logger,
		topic:  meshTopic,
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: logger})
		if err := service.Start(); err != nil {
			logger.WithError(err).Warn("mdns start failed")
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			logger.WithError(err).Warnf("skip bootstrap addr %q", raw)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.WithError(err).Warnf("skip bootstrap addr %q", raw)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.WithError(err).Warnf("bootstrap connect failed %s", info.ID)
		} else {
			logger.Infof("connected bootstrap peer %s", info.ID)
		}
	}

	return p, nil
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.joinMesh()
	if err != nil {
		return err
	}
	b, err := json.Marshal(envelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return t.Publish(p.ctx, b)
}

func (p *Libp2pPubSub) Subscribe(pattern string) (<-chan Message, func(), error) {
	t, err := p.joinMesh()
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				p.log.WithError(err).Debug("discard malformed mesh envelope")
				continue
			}
			if !MatchTopic(pattern, env.Topic) {
				continue
			}
			select {
			case out <- Message{Topic: env.Topic, Payload: env.Payload}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mesh != nil {
		_ = p.mesh.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) joinMesh() (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mesh != nil {
		return p.mesh, nil
	}
	t, err := p.ps.Join(p.topic)
	if err != nil {
		return nil, fmt.Errorf("join mesh topic %q: %w", p.topic, err)
	}
	p.mesh = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *log.Entry
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.WithError(err).Warnf("mdns connect failed %s", info.ID)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}

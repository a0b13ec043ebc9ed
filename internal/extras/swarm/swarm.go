// Package swarm is the optional peer cache-gossip layer (SPEC_FULL.md
// §2.22): it announces {location, hash} over a libp2p-pubsub topic
// whenever this node finishes a replay and persists a state, so a peer
// holding the same jig can skip its own replay and fetch-and-verify the
// cached blob instead. Grounded on the teacher's internal/node host/
// pubsub bootstrap (node.go) and its swap_handler.go topic join/publish/
// subscribe-loop pattern, swapped from swap-protocol messages to cache
// announcements.
//
// Announcements are hints, never trusted inputs: a node that never
// gossips, or that receives a forged announcement, still falls back to
// full replay and still verifies the blob's hash before trusting it.
// Nothing here can violate determinism.
package swarm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/bitjig/rund/pkg/logging"
)

// Topic is the gossip topic every swarm member joins.
const Topic = "/rund/cache-gossip/1.0.0"

// Announcement is the gossip payload: location is the cache key that
// became available, hash is its capture hash (spec §4.6), which the
// receiver must still independently verify against whatever it fetches.
type Announcement struct {
	Location string `json:"location"`
	Hash     string `json:"hash"`
	FromPeer string `json:"from_peer"`
}

// Handler receives a peer's announcement. Returning early (ignoring it)
// is always safe; it is a hint for a prefetch, nothing more.
type Handler func(a Announcement)

// Swarm joins the cache-gossip topic over a libp2p host.
type Swarm struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *logging.Logger

	mu      sync.RWMutex
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// Join creates a libp2p host listening on listenAddrs, joins the
// gossip topic, and starts the receive loop. bootstrapPeers are dialed
// in the background; a failed dial is logged and otherwise ignored —
// gossip is supplemental, never required for correctness.
func Join(ctx context.Context, listenAddrs []string, bootstrapPeers []string) (*Swarm, error) {
	sctx, cancel := context.WithCancel(ctx)

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("swarm: generate identity: %w", err)
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("swarm: invalid listen address %s: %w", a, err)
		}
		addrs = append(addrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("swarm: create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(sctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: init gossipsub: %w", err)
	}

	topic, err := ps.Join(Topic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: subscribe topic: %w", err)
	}

	s := &Swarm{
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		log:    logging.Default().Component("swarm"),
		ctx:    sctx,
		cancel: cancel,
	}

	for _, addrStr := range bootstrapPeers {
		go s.dialBootstrap(addrStr)
	}

	go s.receiveLoop()

	return s, nil
}

func (s *Swarm) dialBootstrap(addrStr string) {
	ma, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		s.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		s.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
		return
	}
	if err := s.host.Connect(s.ctx, *pi); err != nil {
		s.log.Warn("failed to connect to bootstrap peer", "peer", pi.ID, "error", err)
	}
}

// OnAnnouncement registers the callback invoked for every announcement
// from another peer (this node's own publishes are filtered out).
func (s *Swarm) OnAnnouncement(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Announce publishes an announcement that location is now available
// with the given capture hash. Intended to be called right after a
// successful replay+persist (spec §4.8/§4.12).
func (s *Swarm) Announce(ctx context.Context, location, hash string) error {
	a := Announcement{Location: location, Hash: hash, FromPeer: s.host.ID().String()}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("swarm: marshal announcement: %w", err)
	}
	if err := s.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("swarm: publish announcement: %w", err)
	}
	return nil
}

func (s *Swarm) receiveLoop() {
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("gossip receive error", "error", err)
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		var a Announcement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			s.log.Debug("malformed announcement", "error", err)
			continue
		}

		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			go h(a)
		}
	}
}

// Close leaves the topic and shuts down the libp2p host.
func (s *Swarm) Close() error {
	s.cancel()
	s.sub.Cancel()
	s.topic.Close()
	return s.host.Close()
}

// Addrs returns this node's listen multiaddrs, for peers to bootstrap
// from.
func (s *Swarm) Addrs() []multiaddr.Multiaddr {
	return s.host.Addrs()
}

// ID returns this node's peer ID.
func (s *Swarm) ID() peer.ID {
	return s.host.ID()
}

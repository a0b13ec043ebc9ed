package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func peerAddrInfo(t *testing.T, fullAddr string) peer.AddrInfo {
	t.Helper()
	ma, err := multiaddr.NewMultiaddr(fullAddr)
	if err != nil {
		t.Fatalf("parse multiaddr %q: %v", fullAddr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		t.Fatalf("addr info from %q: %v", fullAddr, err)
	}
	return *pi
}

// waitForAnnouncement blocks until recv receives one announcement, or
// fails the test after the deadline; gossipsub mesh formation between
// two freshly dialed peers isn't instantaneous.
func waitForAnnouncement(t *testing.T, recv chan Announcement) Announcement {
	t.Helper()
	select {
	case a := <-recv:
		return a
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for gossip announcement")
		return Announcement{}
	}
}

func TestAnnounceDeliversToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Join(ctx, []string{"/ip4/127.0.0.1/tcp/0"}, nil)
	if err != nil {
		t.Fatalf("Join (a): %v", err)
	}
	defer a.Close()

	b, err := Join(ctx, []string{"/ip4/127.0.0.1/tcp/0"}, nil)
	if err != nil {
		t.Fatalf("Join (b): %v", err)
	}
	defer b.Close()

	bAddrs := b.Addrs()
	if len(bAddrs) == 0 {
		t.Fatal("peer b advertised no addresses")
	}
	bFullAddr := bAddrs[0].String() + "/p2p/" + b.ID().String()

	if err := a.host.Connect(ctx, peerAddrInfo(t, bFullAddr)); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}

	received := make(chan Announcement, 1)
	b.OnAnnouncement(func(ann Announcement) {
		received <- ann
	})

	// Give the gossipsub mesh a moment to form around the new connection
	// before publishing, mirroring how a production node would only
	// announce after Join has had time to establish its mesh.
	time.Sleep(500 * time.Millisecond)

	publishCtx, pcancel := context.WithTimeout(ctx, 5*time.Second)
	defer pcancel()
	if err := retryAnnounce(publishCtx, a, "loc:123", "hash:abc"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	got := waitForAnnouncement(t, received)
	if got.Location != "loc:123" || got.Hash != "hash:abc" {
		t.Fatalf("announcement = %#v", got)
	}
	if got.FromPeer != a.ID().String() {
		t.Fatalf("FromPeer = %q, want %q", got.FromPeer, a.ID().String())
	}
}

// retryAnnounce re-publishes a few times since gossipsub delivery to a
// very young mesh can silently drop the very first publish.
func retryAnnounce(ctx context.Context, s *Swarm, location, hash string) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = s.Announce(ctx, location, hash); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return err
}

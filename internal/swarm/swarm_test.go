package swarm

import (
	"fmt"
	"testing"
	"time"
)

type fakePeer struct {
	id       string
	addr     string
	outbound bool
	closed   bool
}

func (p *fakePeer) RemotePeerID() string { return p.id }
func (p *fakePeer) RemoteAddr() string   { return p.addr }
func (p *fakePeer) Outbound() bool       { return p.outbound }
func (p *fakePeer) Close()               { p.closed = true }

func dialerReturning(p Peer, err error) Dialer {
	return func(s *Swarm, addr string) (Peer, error) { return p, err }
}

func TestConnectAddsPeerAndDampensAddr(t *testing.T) {
	p := &fakePeer{id: "remote-1", addr: "1.2.3.4:9418", outbound: true}
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, dialerReturning(p, nil), nil)

	if err := s.Connect("1.2.3.4:9418", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(s.Peers()) != 1 {
		t.Fatalf("expected 1 peer after Connect, got %d", len(s.Peers()))
	}
	if _, dampened := s.dampen["1.2.3.4:9418"]; !dampened {
		t.Fatalf("expected addr to be dampened after a successful connect")
	}
}

func TestConnectRejectsDampenedAddr(t *testing.T) {
	p := &fakePeer{id: "remote-1", addr: "1.2.3.4:9418", outbound: true}
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, dialerReturning(p, nil), nil)

	if err := s.Connect("1.2.3.4:9418", ""); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := s.Connect("1.2.3.4:9418", ""); err == nil {
		t.Fatalf("expected second Connect to the same addr to be dampened")
	}
}

func TestConnectRejectsAlreadyConnectedPeerID(t *testing.T) {
	p := &fakePeer{id: "remote-1", addr: "1.2.3.4:9418", outbound: true}
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, dialerReturning(p, nil), nil)
	s.AddPeer(p)

	if err := s.Connect("5.6.7.8:9418", "remote-1"); err == nil {
		t.Fatalf("expected Connect to reject an addr claiming an already-connected peerid")
	}
}

func TestConnectRejectsKnownLoopback(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, dialerReturning(nil, nil), nil)
	s.MarkLoopback("1.2.3.4:9418")

	if err := s.Connect("1.2.3.4:9418", ""); err == nil {
		t.Fatalf("expected Connect to reject a known loopback addr")
	}
}

func TestConnectRejectsAtMaxPeers(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 1, nil, nil)
	s.AddPeer(&fakePeer{id: "already-here", addr: "9.9.9.9:1", outbound: false})

	called := false
	s.dial = func(sw *Swarm, addr string) (Peer, error) {
		called = true
		return nil, nil
	}

	if err := s.Connect("1.2.3.4:9418", ""); err == nil {
		t.Fatalf("expected Connect to reject once at max peers")
	}
	if called {
		t.Fatalf("dial should not be attempted once at max peers")
	}
}

func TestConnectPropagatesDialError(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, dialerReturning(nil, fmt.Errorf("boom")), nil)

	if err := s.Connect("1.2.3.4:9418", ""); err == nil {
		t.Fatalf("expected Connect to propagate a dial error")
	}
	if len(s.Peers()) != 0 {
		t.Fatalf("expected no peer added after a failed dial")
	}
}

func TestRemovePeerUnlinksExactInstance(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, nil, nil)
	p1 := &fakePeer{id: "p1"}
	p2 := &fakePeer{id: "p2"}
	s.AddPeer(p1)
	s.AddPeer(p2)

	s.RemovePeer(p1)

	peers := s.Peers()
	if len(peers) != 1 || peers[0] != Peer(p2) {
		t.Fatalf("expected only p2 to remain, got %+v", peers)
	}
}

func TestDropClosesEveryPeer(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, nil, nil)
	p1 := &fakePeer{id: "p1"}
	p2 := &fakePeer{id: "p2"}
	s.AddPeer(p1)
	s.AddPeer(p2)

	s.Drop()

	if !p1.closed || !p2.closed {
		t.Fatalf("expected Drop to close every peer")
	}
}

func TestOnHeartbeatExpiresDampenAndStaleAka(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Millisecond, 10, nil, nil)
	s.dampen["1.2.3.4:9418"] = time.Now().Add(-time.Second)
	s.NoteSeen("5.6.7.8:9418", "ghost-peer")

	if err := s.OnHeartbeat(); err != nil {
		t.Fatalf("OnHeartbeat: %v", err)
	}
	if _, ok := s.dampen["1.2.3.4:9418"]; ok {
		t.Fatalf("expected expired dampen entry to be removed")
	}
	if _, ok := s.aka["5.6.7.8:9418"]; ok {
		t.Fatalf("expected aka entry for a never-connected peerid to be removed")
	}
}

func TestOnHeartbeatKeepsAkaForConnectedPeer(t *testing.T) {
	s := New("swarm-a", t.TempDir(), nil, time.Minute, 10, nil, nil)
	s.AddPeer(&fakePeer{id: "still-here", addr: "1.1.1.1:1"})
	s.NoteSeen("1.1.1.1:1", "still-here")

	if err := s.OnHeartbeat(); err != nil {
		t.Fatalf("OnHeartbeat: %v", err)
	}
	if _, ok := s.aka["1.1.1.1:1"]; !ok {
		t.Fatalf("expected aka entry for a connected peer to survive OnHeartbeat")
	}
}

func TestPickRandomPeerHandlesEmptyAndSingle(t *testing.T) {
	if got := PickRandomPeer(nil); got != nil {
		t.Fatalf("expected nil for an empty candidate list, got %+v", got)
	}
	only := New("only", t.TempDir(), nil, time.Minute, 10, nil, nil)
	if got := PickRandomPeer([]*Swarm{only}); got != only {
		t.Fatalf("expected the sole candidate to be returned")
	}
}

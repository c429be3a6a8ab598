package lpd

import (
	"fmt"
	"testing"
	"time"

	"github.com/omnicloud/p2pgit/internal/swarm"
)

func newTestLPD(t *testing.T, ourPeerID string, swarmByID func(string) (*swarm.Swarm, bool)) *LPD {
	t.Helper()
	return &LPD{
		deps: Deps{
			OurPeerID: ourPeerID,
			SwarmByID: swarmByID,
		},
		cfg: DefaultConfig(),
	}
}

func TestHandleDatagramIgnoresSelfAnnounce(t *testing.T) {
	called := false
	l := newTestLPD(t, "me", func(id string) (*swarm.Swarm, bool) {
		called = true
		return nil, false
	})
	l.handleDatagram([]byte(fmt.Sprintf("%s 10.0.0.1 9000 me", "a-swarm")))
	if called {
		t.Fatalf("SwarmByID should not be consulted for a self-announce")
	}
}

func TestHandleDatagramIgnoresMalformedMessage(t *testing.T) {
	called := false
	l := newTestLPD(t, "me", func(id string) (*swarm.Swarm, bool) {
		called = true
		return nil, false
	})
	l.handleDatagram([]byte("not a valid lpd message"))
	if called {
		t.Fatalf("SwarmByID should not be consulted for a malformed message")
	}
}

func TestHandleDatagramConnectsKnownSwarm(t *testing.T) {
	var dialedAddr string
	dial := func(s *swarm.Swarm, addr string) (swarm.Peer, error) {
		dialedAddr = addr
		return nil, fmt.Errorf("test dialer always fails: %s", addr)
	}

	s := swarm.New("a-swarm", t.TempDir(), nil, time.Minute, 10, dial, nil)
	l := newTestLPD(t, "me", func(id string) (*swarm.Swarm, bool) {
		if id == "a-swarm" {
			return s, true
		}
		return nil, false
	})

	l.handleDatagram([]byte("a-swarm 10.0.0.5 9001 remote-peer"))

	if dialedAddr != "10.0.0.5:9001" {
		t.Fatalf("expected dial to 10.0.0.5:9001, got %q", dialedAddr)
	}
}

func TestHandleDatagramUnknownSwarmIsIgnored(t *testing.T) {
	dialed := false
	dial := func(s *swarm.Swarm, addr string) (swarm.Peer, error) {
		dialed = true
		return nil, nil
	}
	s := swarm.New("known", t.TempDir(), nil, time.Minute, 10, dial, nil)
	l := newTestLPD(t, "me", func(id string) (*swarm.Swarm, bool) {
		if id == s.ID {
			return s, true
		}
		return nil, false
	})

	l.handleDatagram([]byte("unknown-swarm 10.0.0.5 9001 remote-peer"))

	if dialed {
		t.Fatalf("dial should not run for an unknown swarm id")
	}
}

// Package swarm implements the per-repository peer registry (spec.md
// §4.5): the peer list, the dampen/aka/loops bookkeeping tables, and
// the connect() dedup policy. Grounded on original_source/p2p/swarm.py
// translated into an explicitly owned registry rather than a
// class-level one (spec.md §9's "Class-level registries → explicit
// process state" redesign note) — a top-level Node constructs one
// Swarm per SwarmId and holds it, rather than Swarm reaching into
// process-global state.
package swarm

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/omnicloud/p2pgit/internal/repo"
)

// Peer is the subset of internal/peer.Peer that Swarm needs. Swarm
// cannot import internal/peer directly (internal/peer imports Swarm
// for swarm membership), so the dependency is inverted through this
// interface plus an injected dial function — exactly the explicit
// dependency-injection style spec.md §9 calls for.
type Peer interface {
	RemotePeerID() string
	RemoteAddr() string
	Outbound() bool
	Close()
}

// Dialer constructs a new outbound Peer bound to this swarm. Supplied
// by the top-level Node at Swarm construction time.
type Dialer func(s *Swarm, addr string) (Peer, error)

// Swarm tracks one repository's peer set plus dedup bookkeeping.
type Swarm struct {
	ID  string
	Dir string

	// Repo is nil for a swarm still in clone mode (no working directory
	// exists yet); set once the initial clone child exits 0.
	Repo *repo.Repo

	dampenTime time.Duration
	maxPeers   int

	dial Dialer

	peers  []Peer
	dampen map[string]time.Time // addr -> not-before
	aka    map[string]string    // addr -> last-seen peerid
	loops  map[string]struct{}  // addr -> known loopback

	Cloning bool

	logger *log.Logger
}

// New constructs a Swarm. dampenTime and maxPeers come from config
// (spec.md §6: dampen_time default 25s, max_peers default 100). repo
// may be nil for a swarm being created in clone mode.
func New(id, dir string, repository *repo.Repo, dampenTime time.Duration, maxPeers int, dial Dialer, logger *log.Logger) *Swarm {
	if logger == nil {
		logger = log.Default()
	}
	return &Swarm{
		ID:         id,
		Dir:        dir,
		Repo:       repository,
		dampenTime: dampenTime,
		maxPeers:   maxPeers,
		dial:       dial,
		dampen:     make(map[string]time.Time),
		aka:        make(map[string]string),
		loops:      make(map[string]struct{}),
		logger:     logger,
	}
}

func (s *Swarm) Name() string { return fmt.Sprintf("swarm(%s)", s.ID) }

func (s *Swarm) WantsReadable() bool { return false }
func (s *Swarm) WantsWritable() bool { return false }
func (s *Swarm) OnReadable() error   { return nil }
func (s *Swarm) OnWritable() error   { return nil }

// OnHeartbeat expires dampen/aka entries (spec.md §4.5).
func (s *Swarm) OnHeartbeat() error {
	now := time.Now()

	for addr, expiry := range s.dampen {
		if now.After(expiry) {
			delete(s.dampen, addr)
		}
	}

	for addr, peerid := range s.aka {
		if !s.connectedPeerID(peerid) {
			delete(s.aka, addr)
		}
	}

	return nil
}

func (s *Swarm) connectedPeerID(peerid string) bool {
	for _, p := range s.peers {
		if p.RemotePeerID() == peerid {
			return true
		}
	}
	return false
}

// Connect applies the dedup/dampen/loopback policy (spec.md §4.5,
// steps in order) and, if all checks pass, dials addr and adds the
// resulting Peer.
func (s *Swarm) Connect(addr string, peerid string) error {
	if peerid != "" && s.connectedPeerID(peerid) {
		return fmt.Errorf("swarm: %s already connected in %s", peerid, s.ID)
	}
	// Swarm has no notion of our own PeerId, so a peerid equal to ours
	// is not rejected here. LPD drops its own announces before calling
	// Connect; any other dial that reaches ourselves is caught by the
	// loopback table below once a handshake round-trips.
	if _, dampened := s.dampen[addr]; dampened {
		return fmt.Errorf("swarm: %s is dampened in %s", addr, s.ID)
	}
	if known, ok := s.aka[addr]; ok && s.connectedPeerID(known) {
		return fmt.Errorf("swarm: %s is aka connected peer %s", addr, known)
	}
	if _, loop := s.loops[addr]; loop {
		return fmt.Errorf("swarm: %s is a known loopback", addr)
	}
	if s.AtCapacity() {
		return fmt.Errorf("swarm: %s at max peers (%d)", s.ID, s.maxPeers)
	}

	peer, err := s.dial(s, addr)
	if err != nil {
		return fmt.Errorf("swarm: dial %s: %w", addr, err)
	}
	s.AddPeer(peer)
	s.dampen[addr] = time.Now().Add(s.dampenTime)
	return nil
}

// AtCapacity reports whether this swarm already holds max_peers
// sessions (spec.md §8: "new outbound or inbound rejected"). Connect
// enforces this for outbound/PEX/LPD/tracker dials itself; inbound
// peers have no dial to reject, so the caller (Peer's helo handler)
// checks this before AddPeer.
func (s *Swarm) AtCapacity() bool {
	return s.maxPeers > 0 && len(s.peers) >= s.maxPeers
}

// AddPeer registers an already-constructed Peer (inbound peers are
// added this way once their swarm is known from helo; outbound peers
// are added by Connect).
func (s *Swarm) AddPeer(p Peer) {
	s.peers = append(s.peers, p)
	if p.Outbound() {
		s.dampen[p.RemoteAddr()] = time.Now().Add(s.dampenTime)
	}
}

// RemovePeer unlinks p from the peer list.
func (s *Swarm) RemovePeer(p Peer) {
	for i, x := range s.peers {
		if x == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// Peers returns a snapshot of the current peer list.
func (s *Swarm) Peers() []Peer {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// MarkLoopback records addr as a known loopback (spec.md §4.4: an
// outbound peer received its own PeerId in the reply helo).
func (s *Swarm) MarkLoopback(addr string) {
	s.loops[addr] = struct{}{}
}

// NoteSeen records the most recently observed PeerId at addr in the
// aka table (spec.md §4.5), which Connect consults to skip a redundant
// dial. The LPD, PEX and tracker paths do not call it; they hand
// their peerid (if any) straight to Connect.
func (s *Swarm) NoteSeen(addr, peerid string) {
	s.aka[addr] = peerid
}

// Drop cascades a close to every peer and detaches the swarm. The
// caller (Node) is responsible for unregistering the Swarm from the
// event loop and its own registry; iterating a copy of the peer list
// mirrors spec.md §4.5 ("iterating the live list is unsafe" — Close
// calls RemovePeer back into s.peers).
func (s *Swarm) Drop() {
	snapshot := s.Peers()
	for _, p := range snapshot {
		p.Close()
	}
}

// PickRandomPeer returns a random swarm from candidates, or nil when
// there are none. The tracker's pick-swarm state (spec.md §4.8) makes
// its own random choice and does not call it.
func PickRandomPeer(candidates []*Swarm) *Swarm {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

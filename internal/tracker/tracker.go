// Package tracker implements a BitTorrent UDP tracker client (BEP-15,
// spec.md §4.8): the connect/announce exchange used to discover peers
// for each swarm when neither LPD nor PEX has found them yet.
// Grounded on original_source/p2p/tracker.py, translated from its
// heartbeat-driven retry bookkeeping into an explicit state machine
// (need-socket / pick-swarm / need-conn-id / announcing / muted) per
// spec.md §4.8, still advanced entirely from OnHeartbeat the way the
// original's on_heartbeat() drove every retry.
package tracker

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/swarm"
)

const (
	protocolMagic = 0x41727101980
	actionConnect = 0
	actionAnnounce = 1
	actionError    = 3
	// actionErrorBigEndianTypo preserves tolerance for a historical
	// mis-encoded error action some deployed trackers emit (spec.md §0
	// / original-source reconciliation).
	actionErrorBigEndianTypo = 0x03000000
)

type state int

const (
	stateNeedSocket state = iota
	statePickSwarm
	stateNeedConnID
	stateAnnouncing
	stateMuted
)

// Config bundles spec.md §6's tracker-related tunables.
type Config struct {
	SocketRetry        time.Duration // tracker_socket_retry, default 10s
	MaxTrackerInterval time.Duration // max_tracker_interval, default 1800s
	MuteTime           time.Duration // tracker_mute_time, default 20s
}

func DefaultConfig() Config {
	return Config{
		SocketRetry:        10 * time.Second,
		MaxTrackerInterval: 1800 * time.Second,
		MuteTime:           20 * time.Second,
	}
}

// Deps injects what Tracker needs from the rest of the node.
type Deps struct {
	Loop       *eventloop.Loop
	Logger     *log.Logger
	ListenPort int
	OurPeerID  string
	// Swarms lists every currently active swarm; the tracker announces
	// all of them (spec.md §4.8: "for now, all Swarms are announced to
	// each tracker").
	Swarms func() []*swarm.Swarm
}

// Tracker is a client for one host:port BEP-15 UDP tracker.
type Tracker struct {
	deps Deps
	cfg  Config

	host string
	port int

	transactionID uint32
	key           uint32

	conn          *net.UDPConn
	socketLastTry time.Time

	state     state
	muteUntil time.Time

	connID         uint64
	haveConnID     bool
	connIDTime     time.Time
	connIDRetries  int
	connIDLastSent time.Time

	announceSwarm    *swarm.Swarm
	announceRetries  int
	announceLastSent time.Time

	// swarms maps a swarm to the time its next announce is allowed.
	swarms map[*swarm.Swarm]time.Time

	recvCh chan recvResult
	closed bool
}

type recvResult struct {
	data []byte
	err  error
}

// New constructs a Tracker for host:port and registers it with loop.
func New(deps Deps, cfg Config, host string, port int) *Tracker {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	t := &Tracker{
		deps:          deps,
		cfg:           cfg,
		host:          host,
		port:          port,
		transactionID: rand.Uint32(),
		key:           rand.Uint32(),
		swarms:        make(map[*swarm.Swarm]time.Time),
		recvCh:        make(chan recvResult, 8),
	}
	t.openSocket()
	deps.Loop.Register(t)
	return t
}

func (t *Tracker) Name() string { return fmt.Sprintf("tracker(%s:%d)", t.host, t.port) }

func (t *Tracker) WantsReadable() bool { return t.conn != nil }
func (t *Tracker) WantsWritable() bool { return false }
func (t *Tracker) OnWritable() error   { return nil }

func (t *Tracker) openSocket() {
	if t.conn != nil {
		return
	}
	if !t.socketLastTry.IsZero() && time.Since(t.socketLastTry) < t.cfg.SocketRetry {
		return
	}
	t.socketLastTry = time.Now()

	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		t.deps.Logger.Printf("[%s] resolve: %v, will retry", t.Name(), err)
		return
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		t.deps.Logger.Printf("[%s] dial: %v, will retry", t.Name(), err)
		return
	}
	t.conn = conn
	t.state = statePickSwarm
	go t.pump()
}

func (t *Tracker) pump() {
	conn := t.conn
	buf := make([]byte, 10240)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.recvCh <- recvResult{err: err}
			t.deps.Loop.PostReadable(t)
			return
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.recvCh <- recvResult{data: chunk}
			t.deps.Loop.PostReadable(t)
		}
	}
}

func (t *Tracker) OnReadable() error {
	for {
		select {
		case r := <-t.recvCh:
			if r.err != nil {
				t.closeSocket()
				return nil
			}
			t.parse(r.data)
		default:
			return nil
		}
	}
}

func (t *Tracker) closeSocket() {
	if t.conn == nil {
		return
	}
	t.conn.Close()
	t.conn = nil
	t.socketLastTry = time.Now()
	t.state = stateNeedSocket
}

func (t *Tracker) send(buf []byte) {
	if t.conn == nil {
		return
	}
	if _, err := t.conn.Write(buf); err != nil {
		t.deps.Logger.Printf("[%s] send: %v, will reopen socket", t.Name(), err)
		t.closeSocket()
	}
}

func (t *Tracker) parse(buf []byte) {
	if len(buf) < 16 {
		t.deps.Logger.Printf("[%s] runt packet (%d bytes)", t.Name(), len(buf))
		return
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	txID := binary.BigEndian.Uint32(buf[4:8])
	if txID != t.transactionID {
		return
	}

	switch {
	case action == actionConnect:
		t.connID = binary.BigEndian.Uint64(buf[8:16])
		t.haveConnID = true
		t.connIDTime = time.Now()
		t.state = stateAnnouncing

	case action == actionAnnounce:
		if len(buf) < 20 {
			t.deps.Logger.Printf("[%s] announce runt", t.Name())
			return
		}
		interval := binary.BigEndian.Uint32(buf[8:12])
		rest := buf[20:]

		var peers []string
		for len(rest) >= 6 {
			ip := net.IPv4(rest[0], rest[1], rest[2], rest[3]).String()
			port := binary.BigEndian.Uint16(rest[4:6])
			peers = append(peers, fmt.Sprintf("%s:%d", ip, port))
			rest = rest[6:]
		}

		wait := time.Duration(interval) * time.Second
		if wait > t.cfg.MaxTrackerInterval {
			wait = t.cfg.MaxTrackerInterval
		}
		if t.announceSwarm != nil {
			t.swarms[t.announceSwarm] = time.Now().Add(wait)
			for _, addr := range peers {
				_ = t.announceSwarm.Connect(addr, "")
			}
		}
		t.announceSwarm = nil
		t.announceRetries = 0
		t.state = statePickSwarm

	case action == actionError, action == actionErrorBigEndianTypo:
		t.deps.Logger.Printf("[%s] tracker reports error", t.Name())
		t.haveConnID = false
		t.muteUntil = time.Now().Add(t.cfg.MuteTime)
		t.state = stateMuted

	default:
		t.deps.Logger.Printf("[%s] unknown action %d", t.Name(), action)
	}
}

// OnHeartbeat advances the state machine exactly once per tick
// (spec.md §4.8).
func (t *Tracker) OnHeartbeat() error {
	t.syncSwarmMembership()

	if t.conn == nil {
		t.openSocket()
	}

	switch t.state {
	case stateNeedSocket:
		// openSocket above already retried; nothing else to do until
		// it succeeds.
	case stateMuted:
		if time.Now().After(t.muteUntil) {
			t.state = statePickSwarm
		}
	case statePickSwarm:
		if t.conn == nil {
			return nil
		}
		t.pickSwarm()
	case stateNeedConnID:
		if t.conn == nil {
			return nil
		}
		t.sendConnIDRequest()
	case stateAnnouncing:
		if t.conn == nil {
			return nil
		}
		t.sendAnnounce()
	}
	return nil
}

// syncSwarmMembership adds newly created swarms and drops ones that
// are no longer current (spec.md §4.8: "if the chosen swarm has been
// dropped mid-exchange, abandon and repick").
func (t *Tracker) syncSwarmMembership() {
	current := make(map[*swarm.Swarm]struct{})
	for _, s := range t.deps.Swarms() {
		current[s] = struct{}{}
		if _, ok := t.swarms[s]; !ok {
			t.swarms[s] = time.Time{}
		}
	}
	for s := range t.swarms {
		if _, ok := current[s]; !ok {
			delete(t.swarms, s)
			if t.announceSwarm == s {
				t.announceSwarm = nil
				t.state = statePickSwarm
			}
		}
	}
}

func (t *Tracker) pickSwarm() {
	if t.announceSwarm != nil {
		t.state = stateAnnouncing
		return
	}

	var candidates []*swarm.Swarm
	now := time.Now()
	for s, next := range t.swarms {
		if next.IsZero() || !next.After(now) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return
	}
	t.announceSwarm = candidates[rand.Intn(len(candidates))]
	t.state = stateNeedConnID
}

func connIDBackoff(retries int) time.Duration {
	e := retries
	if e > 4 {
		e = 4
	}
	return 15 * time.Second * time.Duration(1<<uint(e))
}

func (t *Tracker) sendConnIDRequest() {
	if t.haveConnID && time.Since(t.connIDTime) < time.Minute {
		t.state = stateAnnouncing
		return
	}
	t.haveConnID = false

	if !t.connIDLastSent.IsZero() && time.Since(t.connIDLastSent) < connIDBackoff(t.connIDRetries) {
		return
	}
	t.connIDRetries++
	if t.connIDRetries > 4 {
		t.connIDRetries = 4
	}
	t.connIDLastSent = time.Now()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint64(protocolMagic))
	binary.Write(&buf, binary.BigEndian, uint32(actionConnect))
	binary.Write(&buf, binary.BigEndian, t.transactionID)
	t.send(buf.Bytes())
}

func announceBackoff(retries int) time.Duration {
	e := retries
	if e > 4 {
		e = 4
	}
	return 5 * time.Second * time.Duration(1<<uint(e))
}

func (t *Tracker) sendAnnounce() {
	if !t.haveConnID {
		t.state = stateNeedConnID
		return
	}
	if !t.announceLastSent.IsZero() && time.Since(t.announceLastSent) < announceBackoff(t.announceRetries) {
		return
	}
	if t.announceSwarm == nil {
		t.state = statePickSwarm
		return
	}

	infoHash, err := hex.DecodeString(t.announceSwarm.ID)
	if err != nil || len(infoHash) != 20 {
		t.deps.Logger.Printf("[%s] swarm id %q is not a valid 20-byte hash, skipping", t.Name(), t.announceSwarm.ID)
		t.announceSwarm = nil
		t.state = statePickSwarm
		return
	}
	peerIDHash := sha1.Sum([]byte(t.deps.OurPeerID))

	t.announceRetries++
	if t.announceRetries > 4 {
		t.announceRetries = 4
	}
	t.announceLastSent = time.Now()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, t.connID)
	binary.Write(&buf, binary.BigEndian, uint32(actionAnnounce))
	binary.Write(&buf, binary.BigEndian, t.transactionID)
	buf.Write(infoHash)
	buf.Write(peerIDHash[:])
	binary.Write(&buf, binary.BigEndian, uint64(0)) // downloaded
	binary.Write(&buf, binary.BigEndian, uint64(0)) // left
	binary.Write(&buf, binary.BigEndian, uint64(0)) // uploaded
	binary.Write(&buf, binary.BigEndian, uint32(1)) // event: started
	binary.Write(&buf, binary.BigEndian, uint32(0)) // ip
	binary.Write(&buf, binary.BigEndian, t.key)
	binary.Write(&buf, binary.BigEndian, int32(-1)) // num_want
	binary.Write(&buf, binary.BigEndian, uint16(t.deps.ListenPort))
	t.send(buf.Bytes())
}

// Close tears down the socket. The original never told the tracker it
// was leaving either (spec.md §4.8's informative note).
func (t *Tracker) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.closeSocket()
}

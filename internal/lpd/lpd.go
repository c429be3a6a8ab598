// Package lpd implements Local Peer Discovery (spec.md §4.7): a UDP
// multicast announce/listen loop that lets peers on the same LAN find
// each other without a tracker. Grounded on
// original_source/p2p/lpd.py, translated from a raw multicast socket
// with manual IP_ADD_MEMBERSHIP/IP_MULTICAST_* sockopts to Go's
// net.ListenMulticastUDP, and from the pack's pump-goroutine pattern
// (internal/peerconn, internal/child) for the receive side.
package lpd

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/swarm"
)

// Config bundles spec.md §6's LPD-related tunables.
type Config struct {
	Group           string        // mcast_grp, default 239.192.152.143
	Port            int           // mcast_port, default 6772
	AnnounceTime    time.Duration // default 600s
	SockRetryTime   time.Duration // default 5s
}

func DefaultConfig() Config {
	return Config{
		Group:         "239.192.152.143",
		Port:          6772,
		AnnounceTime:  600 * time.Second,
		SockRetryTime: 5 * time.Second,
	}
}

// Deps injects what LPD needs from the rest of the node (spec.md §9's
// explicit-dependency-injection redesign note, in place of the
// original's module-level swarm.Swarm.list()/peer.Peer.my_peerid).
type Deps struct {
	Loop       *eventloop.Loop
	Logger     *log.Logger
	ListenPort int    // our TCP listen port, announced alongside the swarm id
	OurPeerID  string
	LocalIP    func() (string, error) // defaults to localOutboundIP

	// Swarms lists every swarm to announce on each heartbeat tick.
	Swarms func() []*swarm.Swarm
	// SwarmByID resolves an incoming announce's swarmid to a Swarm.
	SwarmByID func(id string) (*swarm.Swarm, bool)
}

// LPD owns one multicast UDP socket. Unlike most participants it is
// never meant to close voluntarily — per spec.md §4.7 its Close is
// reserved for event-loop shutdown only.
type LPD struct {
	deps Deps
	cfg  Config

	groupAddr *net.UDPAddr
	conn      *net.UDPConn

	lastAnnounce    time.Time
	lastSockAttempt time.Time

	recvCh chan recvResult
}

type recvResult struct {
	data []byte
	err  error
}

// New constructs an LPD and attempts to open its socket immediately;
// a failure is tolerated (logged, retried on heartbeat), matching
// open_socket()'s "will try again later" behavior.
func New(deps Deps, cfg Config) (*LPD, error) {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.LocalIP == nil {
		deps.LocalIP = localOutboundIP
	}
	groupAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Group), Port: cfg.Port}

	l := &LPD{
		deps:      deps,
		cfg:       cfg,
		groupAddr: groupAddr,
		recvCh:    make(chan recvResult, 16),
	}
	l.tryOpenSocket()
	deps.Loop.Register(l)
	return l, nil
}

func (l *LPD) tryOpenSocket() {
	if l.conn != nil {
		return
	}
	if !l.lastSockAttempt.IsZero() && time.Since(l.lastSockAttempt) < l.cfg.SockRetryTime {
		return
	}
	l.lastSockAttempt = time.Now()

	conn, err := net.ListenMulticastUDP("udp4", nil, l.groupAddr)
	if err != nil {
		l.deps.Logger.Printf("[lpd] open socket: %v, will retry", err)
		return
	}
	l.conn = conn
	l.lastAnnounce = time.Time{}
	go l.pump()
	l.deps.Logger.Printf("[lpd] listening on %s", l.groupAddr)
}

func (l *LPD) pump() {
	conn := l.conn
	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			l.recvCh <- recvResult{err: err}
			l.deps.Loop.PostReadable(l)
			return
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.recvCh <- recvResult{data: chunk}
			l.deps.Loop.PostReadable(l)
		}
	}
}

func (l *LPD) Name() string { return "lpd" }

func (l *LPD) WantsReadable() bool { return l.conn != nil }
func (l *LPD) WantsWritable() bool { return false }
func (l *LPD) OnWritable() error   { return nil }

func (l *LPD) OnReadable() error {
	for {
		select {
		case r := <-l.recvCh:
			if r.err != nil {
				l.closeSocket()
				return nil
			}
			l.handleDatagram(r.data)
		default:
			return nil
		}
	}
}

func (l *LPD) handleDatagram(buf []byte) {
	fields := strings.Fields(string(buf))
	if len(fields) != 4 {
		return // not an LPD message, ignore
	}
	sha, host, portStr, remotePeerID := fields[0], fields[1], fields[2], fields[3]

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	if remotePeerID == l.deps.OurPeerID {
		return // our own announce
	}

	s, ok := l.deps.SwarmByID(sha)
	if !ok {
		return
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	_ = s.Connect(addr, remotePeerID) // dedup/dampen/loopback policy lives in Swarm.Connect
}

// OnHeartbeat reopens a dropped socket and announces every swarm once
// per AnnounceTime (spec.md §4.7).
func (l *LPD) OnHeartbeat() error {
	if l.conn == nil {
		l.tryOpenSocket()
	}
	if l.conn == nil {
		return nil
	}

	if !l.lastAnnounce.IsZero() && time.Since(l.lastAnnounce) < l.cfg.AnnounceTime {
		return nil
	}
	l.lastAnnounce = time.Now()

	ip, err := l.deps.LocalIP()
	if err != nil {
		l.deps.Logger.Printf("[lpd] local ip: %v", err)
		return nil
	}

	for _, s := range l.deps.Swarms() {
		buf := fmt.Sprintf("%s %s %d %s", s.ID, ip, l.deps.ListenPort, l.deps.OurPeerID)
		if _, err := l.conn.WriteToUDP([]byte(buf), l.groupAddr); err != nil {
			l.deps.Logger.Printf("[lpd] sendto error, will reopen socket: %v", err)
			l.closeSocket()
			return nil
		}
	}
	return nil
}

func (l *LPD) closeSocket() {
	if l.conn == nil {
		return
	}
	l.conn.Close()
	l.conn = nil
	l.lastSockAttempt = time.Now()
}

// Update forces the next heartbeat to announce immediately (spec.md
// §4.7: "Force an update, e.g. when a Swarm is added").
func (l *LPD) Update() {
	l.lastAnnounce = time.Time{}
}

// Close is reserved for event-loop shutdown; LPD never closes itself
// (spec.md §4.7's listener "never closes on its own").
func (l *LPD) Close() {
	l.closeSocket()
}

// localOutboundIP reports the local address the OS would pick to
// reach the internet, the same "what's my LAN IP" trick the original
// used via its own socket probe.
func localOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("lpd: determining local ip: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("lpd: unexpected local addr type")
	}
	return addr.IP.String(), nil
}

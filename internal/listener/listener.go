// Package listener implements the passive TCP listener (spec.md §4.9):
// every accepted connection becomes a fresh inbound Peer with no swarm
// assignment until its first helo arrives. Grounded on
// original_source/p2p/listener.py, translated to the accept-loop pump
// pattern already used by internal/proxy's Listener.
package listener

import (
	"fmt"
	"log"
	"net"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/peer"
	"github.com/omnicloud/p2pgit/internal/peerconn"
)

// Listener is the single node-wide passive TCP listener.
type Listener struct {
	loop     *eventloop.Loop
	logger   *log.Logger
	ln       net.Listener
	peerDeps peer.Deps
	lenBytes int
	maxLen   int

	acceptCh chan net.Conn
}

// New binds addr (e.g. ":9418") and registers with loop. peerDeps is
// handed, as-is, to every inbound Peer — the swarm is resolved later
// from the first helo via peerDeps.ResolveSwarm (spec.md §4.4/§4.9).
func New(loop *eventloop.Loop, logger *log.Logger, addr string, peerDeps peer.Deps, lenBytes, maxLen int) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: listen %s: %w", addr, err)
	}

	l := &Listener{
		loop:     loop,
		logger:   logger,
		ln:       ln,
		peerDeps: peerDeps,
		lenBytes: lenBytes,
		maxLen:   maxLen,
		acceptCh: make(chan net.Conn, 8),
	}

	loop.Register(l)
	go l.acceptLoop()
	logger.Printf("[listener] listening on %s", ln.Addr())
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.acceptCh <- conn
		l.loop.PostReadable(l)
	}
}

func (l *Listener) Name() string { return fmt.Sprintf("listener(%s)", l.ln.Addr()) }

func (l *Listener) WantsReadable() bool { return true }
func (l *Listener) WantsWritable() bool { return false }
func (l *Listener) OnWritable() error   { return nil }
func (l *Listener) OnHeartbeat() error  { return nil }

func (l *Listener) OnReadable() error {
	for {
		select {
		case conn := <-l.acceptCh:
			l.logger.Printf("[listener] incoming connection from %s", conn.RemoteAddr())
			peer.NewInboundConn(l.peerDeps, func(cb peerconn.Callbacks) *peerconn.PeerConnection {
				return peerconn.NewInbound(l.loop, l.logger, l.lenBytes, l.maxLen, l.peerDeps.ConnTimeouts, cb, conn)
			})
		default:
			return nil
		}
	}
}

// Close is never expected to run: the listener closing is a fatal
// invariant violation (spec.md §4.9), matching the original's raise on
// close().
func (l *Listener) Close() {
	l.logger.Fatalf("[listener] Close() called — the listener must never close")
}

// Addr reports the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

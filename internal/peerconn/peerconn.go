// Package peerconn implements the transport layer beneath a Peer
// session (spec.md §4.3): a TCP connection, its framing/codec state,
// and the connect/helo/idle timers. It is an eventloop.Participant;
// callbacks owned by the Peer state machine above it are invoked as
// messages arrive.
//
// Go exposes net.Conn as blocking I/O with no portable non-blocking
// connect/read/write, so unlike the reference implementation's raw
// non-blocking sockets, reads happen on a small pump goroutine that
// blocks in Read and forwards chunks to the loop goroutine (the same
// pattern as internal/child), and writes are issued synchronously from
// the loop goroutine — acceptable because messages on this wire are
// bounded (file chunks default to ~10 KiB, see FileGetChunkSize in
// internal/config), so a write essentially never blocks long enough to
// stall the loop.
package peerconn

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/wire"
)

// Callbacks are supplied by the owning Peer.
type Callbacks struct {
	// OnConnected fires once, when an outbound dial succeeds. The
	// callee is expected to send the first helo.
	OnConnected func(c *PeerConnection) error
	// OnMessage fires for every decoded inbound message.
	OnMessage func(c *PeerConnection, msg *wire.Message) error
	// OnClose fires once, when the connection is closing for any
	// reason (EOF, timeout, protocol error, or explicit Close).
	OnClose func(c *PeerConnection, reason error)
}

// Timeouts bundles the heartbeat-checked deadlines (spec.md §4.3).
type Timeouts struct {
	Connect  time.Duration
	Helo     time.Duration
	Idle     time.Duration
	IdlePing time.Duration
}

type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateClosed
)

// PeerConnection owns one TCP socket plus its framing state.
type PeerConnection struct {
	name   string
	loop   *eventloop.Loop
	logger *log.Logger
	cb     Callbacks
	tmo    Timeouts

	conn  net.Conn
	state connState

	parser *wire.Parser
	lenBytes int

	readCh chan readResult
	dialCh chan error

	createdAt         time.Time
	connectedAt       time.Time
	lastReadAt        time.Time
	lastPingSentAt    time.Time
	handshakeReceived bool
}

type readResult struct {
	data []byte
	err  error
}

// NewOutbound dials addr in a background goroutine and registers the
// connection with loop immediately in the "connecting" state.
func NewOutbound(loop *eventloop.Loop, logger *log.Logger, lenBytes, maxLen int, tmo Timeouts, cb Callbacks, addr string) *PeerConnection {
	if logger == nil {
		logger = log.Default()
	}
	c := &PeerConnection{
		name:      "peerconn(out " + addr + ")",
		loop:      loop,
		logger:    logger,
		cb:        cb,
		tmo:       tmo,
		state:     stateConnecting,
		parser:    wire.NewParser(lenBytes, maxLen),
		lenBytes:  lenBytes,
		readCh:    make(chan readResult, 16),
		dialCh:    make(chan error, 1),
		createdAt: time.Now(),
	}

	loop.Register(c)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, tmo.Connect)
		if err == nil {
			c.conn = conn
		}
		c.dialCh <- err
		loop.PostWritable(c)
	}()

	return c
}

// NewInbound wraps an already-accepted connection, registered as
// immediately connected.
func NewInbound(loop *eventloop.Loop, logger *log.Logger, lenBytes, maxLen int, tmo Timeouts, cb Callbacks, conn net.Conn) *PeerConnection {
	if logger == nil {
		logger = log.Default()
	}
	c := &PeerConnection{
		name:        "peerconn(in " + conn.RemoteAddr().String() + ")",
		loop:        loop,
		logger:      logger,
		cb:          cb,
		tmo:         tmo,
		conn:        conn,
		state:       stateConnected,
		parser:      wire.NewParser(lenBytes, maxLen),
		lenBytes:    lenBytes,
		readCh:      make(chan readResult, 16),
		createdAt:   time.Now(),
		connectedAt: time.Now(),
		lastReadAt:  time.Now(),
	}
	go c.pump()
	loop.Register(c)
	return c
}

func (c *PeerConnection) finishDial(err error) error {
	if err != nil {
		return c.fail(fmt.Errorf("peerconn: dial: %w", err))
	}
	c.state = stateConnected
	c.connectedAt = time.Now()
	c.lastReadAt = time.Now()
	go c.pump()
	if c.cb.OnConnected != nil {
		if err := c.cb.OnConnected(c); err != nil {
			return c.fail(err)
		}
	}
	return nil
}

func (c *PeerConnection) pump() {
	buf := make([]byte, 16384)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.readCh <- readResult{data: chunk}
			c.loop.PostReadable(c)
		}
		if err != nil {
			c.readCh <- readResult{err: err}
			c.loop.PostReadable(c)
			return
		}
	}
}

func (c *PeerConnection) Name() string { return c.name }

func (c *PeerConnection) WantsReadable() bool { return c.state == stateConnected }
func (c *PeerConnection) WantsWritable() bool { return c.state == stateConnecting }

// OnWritable only fires while dialing (spec.md §4.3: "connecting →
// connected when TCP reports writable"); it drains the one-shot dial
// result posted by the background dial goroutine.
func (c *PeerConnection) OnWritable() error {
	select {
	case err := <-c.dialCh:
		return c.finishDial(err)
	default:
		return nil
	}
}

// OnReadable drains buffered chunks, feeds the framer, and dispatches
// decoded messages. The helo-must-be-first / double-handshake rule
// (spec.md §4.3) is enforced here before handing off to the Peer.
func (c *PeerConnection) OnReadable() error {
	for {
		select {
		case r := <-c.readCh:
			if r.err != nil {
				return c.fail(fmt.Errorf("peerconn: read: %w", r.err))
			}
			c.lastReadAt = time.Now()
			msgs, err := c.parser.Feed(r.data)
			for _, msg := range msgs {
				if derr := c.dispatch(msg); derr != nil {
					return c.fail(derr)
				}
			}
			if err != nil {
				return c.fail(err)
			}
		default:
			return nil
		}
	}
}

func (c *PeerConnection) dispatch(msg *wire.Message) error {
	if msg.Name == "helo" {
		if c.handshakeReceived {
			return wire.NewProtocolError("double handshake")
		}
		c.handshakeReceived = true
	} else if !c.handshakeReceived {
		return wire.NewProtocolError("first message was %q, expected helo", msg.Name)
	}
	if c.cb.OnMessage != nil {
		return c.cb.OnMessage(c, msg)
	}
	return nil
}

// Send validates, encodes, frames, and writes msg synchronously.
func (c *PeerConnection) Send(msg *wire.Message) error {
	if c.state == stateClosed {
		return fmt.Errorf("peerconn: send on closed connection")
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("peerconn: encode %s: %w", msg.Name, err)
	}
	frame := wire.FormatFrame(c.lenBytes, payload)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("peerconn: write: %w", err)
	}
	return nil
}

// OnHeartbeat enforces connect/helo/idle/idle-ping timers.
func (c *PeerConnection) OnHeartbeat() error {
	now := time.Now()

	switch c.state {
	case stateConnecting:
		if now.Sub(c.createdAt) > c.tmo.Connect {
			return c.fail(fmt.Errorf("peerconn: connect timeout"))
		}
		return nil
	case stateClosed:
		return nil
	}

	if !c.handshakeReceived && now.Sub(c.connectedAt) > c.tmo.Helo {
		return c.fail(fmt.Errorf("peerconn: helo timeout"))
	}

	if c.tmo.Idle > 0 && now.Sub(c.lastReadAt) > c.tmo.Idle {
		return c.fail(fmt.Errorf("peerconn: idle timeout"))
	}

	if c.tmo.IdlePing > 0 {
		jitter := time.Duration(rand.Int63n(int64(c.tmo.IdlePing/2) + 1))
		threshold := c.tmo.IdlePing + jitter
		sinceTraffic := now.Sub(c.lastReadAt)
		sincePing := now.Sub(c.lastPingSentAt)
		if sinceTraffic > threshold && sincePing >= c.tmo.IdlePing {
			c.lastPingSentAt = now
			if err := c.Send(wire.New("ping")); err != nil {
				return c.fail(err)
			}
		}
	}

	return nil
}

// fail marks the connection closed, notifies the owner with the
// triggering reason, and returns the error so the caller can still
// propagate it to the event loop (which will call Close again — a
// no-op the second time).
func (c *PeerConnection) fail(reason error) error {
	c.closeWithReason(reason)
	return reason
}

func (c *PeerConnection) closeWithReason(reason error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(c, reason)
	}
}

// Close tears down the socket for an externally triggered cascade
// close (e.g. the owning Peer closing first). Safe to call more than
// once.
func (c *PeerConnection) Close() {
	c.closeWithReason(nil)
}

// RemoteAddr reports the connection's remote network address, or ""
// while still connecting.
func (c *PeerConnection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

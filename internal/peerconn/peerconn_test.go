package peerconn

import (
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/wire"
)

func quietLogger() *log.Logger { return log.New(&strings.Builder{}, "", 0) }

func runLoop(t *testing.T) (*eventloop.Loop, func()) {
	t.Helper()
	l := eventloop.New(10*time.Millisecond, quietLogger())
	go l.Run()
	return l, l.Stop
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  time.Second,
		Helo:     time.Second,
		Idle:     5 * time.Second,
		IdlePing: 3 * time.Second,
	}
}

// TestOutboundHandshakeRoundTrip dials a real TCP loopback listener and
// confirms helo flows in both directions through the event loop.
func TestOutboundHandshakeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	loop, stop := runLoop(t)
	defer stop()

	var mu sync.Mutex
	var serverGotHelo, clientGotHelo bool

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		NewInbound(loop, quietLogger(), 4, 16384, defaultTimeouts(), Callbacks{
			OnMessage: func(c *PeerConnection, msg *wire.Message) error {
				if msg.Name == "helo" {
					mu.Lock()
					serverGotHelo = true
					mu.Unlock()
					return c.Send(wire.New("helo").
						WithString("protocol", "p2p-git").
						WithInt("major", 0).
						WithInt("minor", 1).
						WithString("peerid", "server-1").
						WithString("swarmid", strings.Repeat("a", 40)).
						WithInt("port", 9000).
						WithString("client", "test"))
				}
				return nil
			},
		}, conn)
	}()

	cb := Callbacks{
		OnConnected: func(c *PeerConnection) error {
			return c.Send(wire.New("helo").
				WithString("protocol", "p2p-git").
				WithInt("major", 0).
				WithInt("minor", 1).
				WithString("peerid", "client-1").
				WithString("swarmid", strings.Repeat("a", 40)).
				WithInt("port", 9001).
				WithString("client", "test"))
		},
		OnMessage: func(c *PeerConnection, msg *wire.Message) error {
			if msg.Name == "helo" {
				mu.Lock()
				clientGotHelo = true
				mu.Unlock()
			}
			return nil
		},
	}

	NewOutbound(loop, quietLogger(), 4, 16384, defaultTimeouts(), cb, ln.Addr().String())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := serverGotHelo && clientGotHelo
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !serverGotHelo {
		t.Fatalf("server never received helo")
	}
	if !clientGotHelo {
		t.Fatalf("client never received reply helo")
	}
}

func TestDoubleHandshakeClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	loop, stop := runLoop(t)
	defer stop()

	closed := make(chan error, 1)
	NewInbound(loop, quietLogger(), 4, 16384, defaultTimeouts(), Callbacks{
		OnClose: func(c *PeerConnection, reason error) {
			closed <- reason
		},
	}, server)

	helo := wire.New("helo").
		WithString("protocol", "p2p-git").
		WithInt("major", 0).
		WithInt("minor", 1).
		WithString("peerid", "dup-x").
		WithString("swarmid", strings.Repeat("b", 40)).
		WithInt("port", 9002).
		WithString("client", "test")

	payload, err := wire.Encode(helo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := wire.FormatFrame(4, payload)

	go func() {
		client.Write(frame)
		client.Write(frame)
	}()

	select {
	case reason := <-closed:
		if reason == nil || !strings.Contains(reason.Error(), "double handshake") {
			t.Fatalf("expected double-handshake close reason, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection was never closed on double handshake")
	}
}

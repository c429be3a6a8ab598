package peer

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/peerconn"
	"github.com/omnicloud/p2pgit/internal/repo"
	"github.com/omnicloud/p2pgit/internal/swarm"
)

func quietLogger() *log.Logger { return log.New(&strings.Builder{}, "", 0) }

func runLoop(t *testing.T) (*eventloop.Loop, func()) {
	t.Helper()
	l := eventloop.New(10*time.Millisecond, quietLogger())
	go l.Run()
	return l, l.Stop
}

func defaultTimeouts() peerconn.Timeouts {
	return peerconn.Timeouts{
		Connect:  time.Second,
		Helo:     time.Second,
		Idle:     5 * time.Second,
		IdlePing: 3 * time.Second,
	}
}

func baseDeps(loop *eventloop.Loop, ourPeerID string, resolve func(string) (*swarm.Swarm, bool)) Deps {
	return Deps{
		Loop:             loop,
		Logger:           quietLogger(),
		OurPeerID:        ourPeerID,
		OurPort:          9000,
		ClientTag:        "test",
		RefCheckInterval: time.Minute,
		FileChunkSize:    4096,
		FileWindow:       4,
		ConnTimeouts:     defaultTimeouts(),
		ResolveSwarm:     resolve,
	}
}

func acceptOneInbound(t *testing.T, ln net.Listener, deps Deps, loop *eventloop.Loop) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		NewInboundConn(deps, func(cb peerconn.Callbacks) *peerconn.PeerConnection {
			return peerconn.NewInbound(loop, quietLogger(), 4, 16384, defaultTimeouts(), cb, conn)
		})
	}()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestHandshakeAssignsPeerIDAndAddsToSwarm covers the happy path from
// spec.md §4.4: the connecting side sends helo first, the accepting
// side resolves its swarm from swarmid, replies with its own helo, and
// adds the new session to its swarm.
func TestHandshakeAssignsPeerIDAndAddsToSwarm(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	loop, stop := runLoop(t)
	defer stop()

	serverSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	serverDeps := baseDeps(loop, "server-peer", func(id string) (*swarm.Swarm, bool) {
		if id == serverSwarm.ID {
			return serverSwarm, true
		}
		return nil, false
	})
	acceptOneInbound(t, ln, serverDeps, loop)

	clientSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	clientDeps := baseDeps(loop, "client-peer", nil)

	clientPeer, err := NewOutbound(clientDeps, clientSwarm, ln.Addr().String())
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return clientPeer.RemotePeerID() == "server-peer" && len(serverSwarm.Peers()) == 1
	})
	if !ok {
		t.Fatalf("handshake did not complete: clientRemote=%q serverPeers=%d",
			clientPeer.RemotePeerID(), len(serverSwarm.Peers()))
	}
	if got := serverSwarm.Peers()[0].RemotePeerID(); got != "client-peer" {
		t.Fatalf("server recorded wrong remote peerid: %q", got)
	}
}

// TestLoopbackDetectionMarksAddress covers spec.md §4.4's loopback
// rule: a reply helo carrying our own PeerId marks the address as a
// loopback and tears the session down without adding it to the swarm.
func TestLoopbackDetectionMarksAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	loop, stop := runLoop(t)
	defer stop()

	serverSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	serverDeps := baseDeps(loop, "same-id", func(id string) (*swarm.Swarm, bool) {
		if id == serverSwarm.ID {
			return serverSwarm, true
		}
		return nil, false
	})
	acceptOneInbound(t, ln, serverDeps, loop)

	clientSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	clientDeps := baseDeps(loop, "same-id", nil)

	addr := ln.Addr().String()
	if _, err := NewOutbound(clientDeps, clientSwarm, addr); err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		err := clientSwarm.Connect(addr, "")
		return err != nil && strings.Contains(err.Error(), "known loopback")
	})
	if !ok {
		t.Fatalf("address was never marked as a known loopback")
	}
	if n := len(serverSwarm.Peers()); n != 0 {
		t.Fatalf("server swarm should not have added a self-loop peer, got %d", n)
	}
}

type fakePeer struct{ id string }

func (f *fakePeer) RemotePeerID() string { return f.id }
func (f *fakePeer) RemoteAddr() string   { return "fake:0" }
func (f *fakePeer) Outbound() bool       { return false }
func (f *fakePeer) Close()               {}

// TestDuplicatePeerIsRejected covers spec.md §4.4's duplicate-session
// rule: a second session claiming a PeerId that is already connected
// in the swarm is torn down rather than added.
func TestDuplicatePeerIsRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	loop, stop := runLoop(t)
	defer stop()

	serverSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	serverSwarm.AddPeer(&fakePeer{id: "dup-1"})

	serverDeps := baseDeps(loop, "server-peer", func(id string) (*swarm.Swarm, bool) {
		if id == serverSwarm.ID {
			return serverSwarm, true
		}
		return nil, false
	})
	acceptOneInbound(t, ln, serverDeps, loop)

	clientSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	clientDeps := baseDeps(loop, "dup-1", nil)

	if _, err := NewOutbound(clientDeps, clientSwarm, ln.Addr().String()); err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	// Give the duplicate handshake time to arrive and be rejected, then
	// confirm the swarm still has only the original session.
	time.Sleep(300 * time.Millisecond)
	if n := len(serverSwarm.Peers()); n != 1 {
		t.Fatalf("expected duplicate session to be rejected, swarm has %d peers", n)
	}
	if got := serverSwarm.Peers()[0].RemotePeerID(); got != "dup-1" {
		t.Fatalf("original peer was replaced: %q", got)
	}
}

// TestInboundRejectedAtMaxPeers covers spec.md §8: "Peer count at
// max_peers → new outbound or inbound rejected". Connect already
// enforces this for outbound dials; this exercises the inbound side,
// which only goes through handleHelo, not Connect.
func TestInboundRejectedAtMaxPeers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	loop, stop := runLoop(t)
	defer stop()

	serverSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 1, nil, quietLogger())
	serverSwarm.AddPeer(&fakePeer{id: "already-here"})

	serverDeps := baseDeps(loop, "server-peer", func(id string) (*swarm.Swarm, bool) {
		if id == serverSwarm.ID {
			return serverSwarm, true
		}
		return nil, false
	})
	acceptOneInbound(t, ln, serverDeps, loop)

	clientSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	clientDeps := baseDeps(loop, "new-peer", nil)

	if _, err := NewOutbound(clientDeps, clientSwarm, ln.Addr().String()); err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	// Give the handshake time to arrive and be rejected for capacity,
	// then confirm the swarm still only has the original peer.
	time.Sleep(300 * time.Millisecond)
	if n := len(serverSwarm.Peers()); n != 1 {
		t.Fatalf("expected inbound session to be rejected at max_peers, swarm has %d peers", n)
	}
	if got := serverSwarm.Peers()[0].RemotePeerID(); got != "already-here" {
		t.Fatalf("original peer was replaced: %q", got)
	}
}

// fakeProxyClient implements ProxyClient for the file-transfer tests
// below, accumulating chunks the way internal/proxy's real client
// does, terminating on the first empty-buf chunk (spec.md §4.4).
type fakeProxyClient struct {
	mu   sync.Mutex
	data []byte
	done bool
	errs []error
}

func (f *fakeProxyClient) OnFileData(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(buf) == 0 {
		f.done = true
		return
	}
	f.data = append(f.data, buf...)
}

func (f *fakeProxyClient) OnFileError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.done = true
}

func (f *fakeProxyClient) snapshot() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, f.done
}

// newHandshookPair brings up a real inbound/outbound peer pair over a
// loopback TCP connection and waits for the handshake to complete,
// with the server side's swarm bound to repository (nil for a swarm
// still in clone mode). Returns the client-side Peer, which is what
// drives ProxyRequestFile in the file-transfer tests.
func newHandshookPair(t *testing.T, repoDir string, repository *repo.Repo) (*Peer, *swarm.Swarm) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	loop, stop := runLoop(t)
	t.Cleanup(stop)

	serverSwarm := swarm.New("swarm-1", repoDir, repository, time.Minute, 10, nil, quietLogger())
	serverDeps := baseDeps(loop, "server-peer", func(id string) (*swarm.Swarm, bool) {
		if id == serverSwarm.ID {
			return serverSwarm, true
		}
		return nil, false
	})
	// Small chunk size/window forces a multi-round-trip transfer even
	// for a short test file, exercising the windowed ack loop.
	serverDeps.FileChunkSize = 4
	serverDeps.FileWindow = 2
	acceptOneInbound(t, ln, serverDeps, loop)

	clientSwarm := swarm.New("swarm-1", t.TempDir(), nil, time.Minute, 10, nil, quietLogger())
	clientDeps := baseDeps(loop, "client-peer", nil)

	clientPeer, err := NewOutbound(clientDeps, clientSwarm, ln.Addr().String())
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return clientPeer.RemotePeerID() == "server-peer" && len(serverSwarm.Peers()) == 1
	})
	if !ok {
		t.Fatalf("handshake did not complete")
	}

	return clientPeer, serverSwarm
}

// TestFileTransferHappyPathReassemblesChunks covers spec.md §8 scenario
// 4: a request for a servable file comes back as a sequence of
// windowed file_dat chunks, each ack'd as it arrives, terminated by an
// empty-buf chunk, and the client reassembles the original content.
func TestFileTransferHappyPathReassemblesChunks(t *testing.T) {
	repoDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repoDir, ".git"), 0755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	if err := os.WriteFile(filepath.Join(repoDir, ".git", "HEAD"), content, 0644); err != nil {
		t.Fatalf("write HEAD: %v", err)
	}

	clientPeer, _ := newHandshookPair(t, repoDir, &repo.Repo{Dir: repoDir})

	fc := &fakeProxyClient{}
	if _, err := clientPeer.ProxyRequestFile(fc, "HEAD"); err != nil {
		t.Fatalf("ProxyRequestFile: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		_, done := fc.snapshot()
		return done
	})
	if !ok {
		t.Fatalf("file transfer never completed")
	}
	got, _ := fc.snapshot()
	if string(got) != string(content) {
		t.Fatalf("reassembled content mismatch: got %q want %q", got, content)
	}
}

// TestFileTransferRejectsUnservablePath covers spec.md §8 scenario 5:
// a request for a path the serving policy disallows (resolveServedFile
// rejects it) must come back carrying the request's own id, not a
// hardcoded 0 — otherwise the client's pending request (keyed by its
// real id) never resolves and the proxy hangs instead of 404ing.
func TestFileTransferRejectsUnservablePath(t *testing.T) {
	repoDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repoDir, ".git"), 0755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}

	clientPeer, _ := newHandshookPair(t, repoDir, &repo.Repo{Dir: repoDir})

	fc := &fakeProxyClient{}
	if _, err := clientPeer.ProxyRequestFile(fc, "config"); err != nil {
		t.Fatalf("ProxyRequestFile: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		_, done := fc.snapshot()
		return done
	})
	if !ok {
		t.Fatalf("rejected request never resolved — the reply's id must not have matched the client's pending request")
	}
	got, _ := fc.snapshot()
	if len(got) != 0 {
		t.Fatalf("expected an empty payload for a rejected path, got %d bytes", len(got))
	}
}

// TestFileTransferNotReadyWhileCloning covers the same id-threading
// requirement as the path-policy rejection above, but for the
// swarm-not-ready branch (no Repo yet — still in clone mode).
func TestFileTransferNotReadyWhileCloning(t *testing.T) {
	clientPeer, _ := newHandshookPair(t, t.TempDir(), nil)

	fc := &fakeProxyClient{}
	if _, err := clientPeer.ProxyRequestFile(fc, "HEAD"); err != nil {
		t.Fatalf("ProxyRequestFile: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		_, done := fc.snapshot()
		return done
	})
	if !ok {
		t.Fatalf("request never resolved while swarm had no repo yet")
	}
	got, _ := fc.snapshot()
	if len(got) != 0 {
		t.Fatalf("expected an empty payload while not ready, got %d bytes", len(got))
	}
}

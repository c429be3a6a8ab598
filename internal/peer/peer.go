// Package peer implements the session state machine atop a
// PeerConnection (spec.md §4.4): handshake, loopback/duplicate
// detection, PEX, ref-change driven fetch/merge, clone orchestration,
// and both sides of the windowed file-chunk transfer. Grounded on
// original_source/p2p/peer.py, translated so that dependencies Python
// reached for via module-level registries (the Listener, the
// AddressBook) are passed in explicitly at construction (spec.md §9).
package peer

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omnicloud/p2pgit/internal/child"
	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/peerconn"
	"github.com/omnicloud/p2pgit/internal/repo"
	"github.com/omnicloud/p2pgit/internal/swarm"
	"github.com/omnicloud/p2pgit/internal/wire"
)

// ProxyClient is implemented by internal/proxy's Proxy: the client
// side of one outstanding file-get request.
type ProxyClient interface {
	OnFileData(buf []byte)
	OnFileError(err error)
}

// Deps bundles everything injected into a Peer at construction time —
// the explicit-dependency-injection style spec.md §9 calls for in
// place of the original's module-level registries.
type Deps struct {
	Loop   *eventloop.Loop
	Logger *log.Logger

	OurPeerID  string
	OurPort    int
	ClientTag  string
	GitBinary  string

	PEXEnabled       bool
	AutoMerge        bool
	RefCheckInterval time.Duration
	FileChunkSize    int
	FileWindow       int

	ConnTimeouts peerconn.Timeouts

	// ResolveSwarm looks up a Swarm by SwarmId for an inbound peer's
	// first helo. ok is false for an unknown swarm.
	ResolveSwarm func(swarmID string) (s *swarm.Swarm, ok bool)

	// RecordAddress persists a successfully handshook peer's address
	// (SPEC_FULL.md §12). May be nil to disable persistence.
	RecordAddress func(swarmID, peerID, host string, port int)

	// StartProxy spawns a loopback HTTP proxy bound to this peer for
	// a clone/fetch child, returning the http_proxy URL to export into
	// the child's environment. Implemented by internal/proxy.
	StartProxy func(p *Peer) (proxyURL string, closeProxy func(), err error)
}

type direction int

const (
	Inbound direction = iota
	Outbound
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateHandshook
	stateClosed
)

type childKind int

const (
	noChild childKind = iota
	cloneChild
	fetchChild
	mergeChild
)

// fileSend is the serving side of one file-chunk transfer (spec.md
// §4.4's "File transfer (serving side)").
type fileSend struct {
	f            *os.File
	chunkSize    int
	window       int
	highestAcked int
	nextChunk    int
	eof          bool
}

// fileRecv is the client side of one outstanding file-get request.
type fileRecv struct {
	client ProxyClient
}

// Peer is one session with a remote node.
type Peer struct {
	deps Deps
	dir  direction

	conn *peerconn.PeerConnection

	swarm          *swarm.Swarm
	remotePeerID   string
	remotePort     int
	remoteAddr     string

	state       sessionState
	isCloning   bool
	lastRefSig  string
	everChecked bool
	lastCheck   time.Time

	activeChildKind childKind
	activeChild     *child.Child
	closeProxyFn    func()

	sends     map[int]*fileSend
	receives  map[int]*fileRecv
	nextReqID int

	closed bool
}

// NewOutbound dials addr and creates a Peer already bound to s.
func NewOutbound(deps Deps, s *swarm.Swarm, addr string) (*Peer, error) {
	p := &Peer{
		deps:       deps,
		dir:        Outbound,
		swarm:      s,
		remoteAddr: addr,
		sends:      make(map[int]*fileSend),
		receives:   make(map[int]*fileRecv),
		nextReqID:  1,
	}

	p.conn = peerconn.NewOutbound(deps.Loop, deps.Logger, 4, 16384, deps.ConnTimeouts, peerconn.Callbacks{
		OnConnected: p.onConnected,
		OnMessage:   p.onMessage,
		OnClose:     p.onConnClose,
	}, addr)

	deps.Loop.Register(p)
	return p, nil
}

// NewInboundConn is the real inbound constructor: wraps an accepted
// net.Conn-backed PeerConnection built by the listener.
func NewInboundConn(deps Deps, makeConn func(cb peerconn.Callbacks) *peerconn.PeerConnection) *Peer {
	p := &Peer{
		deps:      deps,
		dir:       Inbound,
		sends:     make(map[int]*fileSend),
		receives:  make(map[int]*fileRecv),
		nextReqID: 1,
	}
	p.conn = makeConn(peerconn.Callbacks{
		OnMessage: p.onMessage,
		OnClose:   p.onConnClose,
	})
	p.remoteAddr = p.conn.RemoteAddr()
	deps.Loop.Register(p)
	return p
}

func (p *Peer) Name() string { return fmt.Sprintf("peer(%s)", p.remoteAddr) }

func (p *Peer) RemotePeerID() string { return p.remotePeerID }
func (p *Peer) RemoteAddr() string   { return p.remoteAddr }
func (p *Peer) Outbound() bool       { return p.dir == Outbound }

// Handshook reports whether this session has completed the helo
// exchange (SPEC_FULL.md §13's monitor status surface).
func (p *Peer) Handshook() bool { return p.state == stateHandshook }

// Cloning reports whether this peer is driving the initial clone of
// its swarm's repository.
func (p *Peer) Cloning() bool { return p.isCloning }

// ActiveChildKind names the currently running git child process, if
// any ("clone", "fetch", "merge", or "" when idle).
func (p *Peer) ActiveChildKind() string {
	switch p.activeChildKind {
	case cloneChild:
		return "clone"
	case fetchChild:
		return "fetch"
	case mergeChild:
		return "merge"
	default:
		return ""
	}
}

// SwarmID reports the SwarmId this session belongs to, or "" if no
// swarm has been resolved yet (inbound peer awaiting its first helo).
func (p *Peer) SwarmID() string {
	if p.swarm == nil {
		return ""
	}
	return p.swarm.ID
}

// NotifyRefsChanged clears the RefCheckInterval floor so the next
// OnHeartbeat tick runs checkRefs immediately instead of waiting out
// the rest of the poll interval (SPEC_FULL.md §14's fsnotify-driven
// wakeup; the poll itself remains authoritative).
func (p *Peer) NotifyRefsChanged() {
	p.lastCheck = time.Time{}
}

func (p *Peer) WantsReadable() bool { return false }
func (p *Peer) WantsWritable() bool { return false }
func (p *Peer) OnReadable() error   { return nil }
func (p *Peer) OnWritable() error   { return nil }

// onConnected sends the first helo for an outbound session (spec.md
// §4.4: "The connecting side sends helo first").
func (p *Peer) onConnected(c *peerconn.PeerConnection) error {
	return c.Send(p.buildHelo())
}

func (p *Peer) buildHelo() *wire.Message {
	swarmID := ""
	if p.swarm != nil {
		swarmID = p.swarm.ID
	}
	return wire.New("helo").
		WithString("protocol", "p2p-git").
		WithInt("major", 0).
		WithInt("minor", 1).
		WithString("peerid", p.deps.OurPeerID).
		WithString("swarmid", swarmID).
		WithInt("port", int64(p.deps.OurPort)).
		WithString("client", p.deps.ClientTag)
}

// onMessage dispatches one decoded message (spec.md §4.4).
func (p *Peer) onMessage(c *peerconn.PeerConnection, msg *wire.Message) error {
	switch msg.Name {
	case "helo":
		return p.handleHelo(msg)
	case "ping":
		return c.Send(wire.New("pong"))
	case "pong":
		return nil
	case "pex_request":
		return p.handlePexRequest(msg)
	case "pex":
		return p.handlePex(msg)
	case "ref_change":
		return p.handleRefChange()
	case "file_get":
		return p.handleFileGet(msg)
	case "file_dat":
		return p.handleFileDat(msg)
	case "file_ack":
		return p.handleFileAck(msg)
	case "file_cancel":
		return p.handleFileCancel(msg)
	default:
		return wire.NewProtocolError("unknown message %q reached peer dispatch", msg.Name)
	}
}

func (p *Peer) handleHelo(msg *wire.Message) error {
	peerid, _ := msg.String("peerid")
	port, _ := msg.Int("port")
	swarmID, _ := msg.String("swarmid")

	if p.dir == Inbound {
		s, ok := p.deps.ResolveSwarm(swarmID)
		if !ok {
			return fmt.Errorf("peer: unknown swarm %q", swarmID)
		}
		p.swarm = s
	}

	p.remotePeerID = peerid
	p.remotePort = int(port)

	if peerid == p.deps.OurPeerID {
		if p.dir == Outbound {
			p.swarm.MarkLoopback(p.remoteAddr)
		}
		// Send one helo back so the far end learns our identity too,
		// then close (spec.md §4.4).
		_ = p.conn.Send(p.buildHelo())
		return fmt.Errorf("peer: loopback detected (remote peerid == ours)")
	}

	for _, existing := range p.swarm.Peers() {
		if existing == p {
			continue
		}
		if existing.RemotePeerID() == peerid {
			return fmt.Errorf("peer: duplicate session for peerid %s", peerid)
		}
	}

	if p.dir == Inbound && p.swarm.AtCapacity() {
		return wire.NewProtocolError("peer: swarm %s is at max_peers", p.swarm.ID)
	}

	if p.dir == Inbound {
		p.swarm.AddPeer(p)
		if err := p.conn.Send(p.buildHelo()); err != nil {
			return err
		}
	}

	p.state = stateHandshook
	if p.deps.RecordAddress != nil {
		host, portStr, err := splitHostPort(p.remoteAddr)
		if err == nil {
			port, _ := parsePort(portStr)
			p.deps.RecordAddress(p.swarm.ID, peerid, host, port)
		}
	}

	p.announcePex()
	p.maybeStartClone()
	p.checkRefs(false)

	return nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("peer: malformed address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func parsePort(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("peer: bad port %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// announcePex emits pex to every other handshook peer announcing the
// new peer, and to the new peer announcing every other handshook peer
// (spec.md §4.4).
func (p *Peer) announcePex() {
	if !p.deps.PEXEnabled {
		return
	}
	host, portStr, err := splitHostPort(p.remoteAddr)
	if err != nil {
		return
	}
	myPort, _ := parsePort(portStr)

	for _, other := range p.swarm.Peers() {
		op, ok := other.(*Peer)
		if !ok || op == p || op.state != stateHandshook {
			continue
		}
		_ = op.conn.Send(wire.New("pex").
			WithString("peerid", p.remotePeerID).
			WithString("ip", host).
			WithInt("port", int64(myPort)))

		oHost, oPortStr, oerr := splitHostPort(op.remoteAddr)
		if oerr != nil {
			continue
		}
		oPort, _ := parsePort(oPortStr)
		_ = p.conn.Send(wire.New("pex").
			WithString("peerid", op.remotePeerID).
			WithString("ip", oHost).
			WithInt("port", int64(oPort)))
	}
}

func (p *Peer) handlePexRequest(msg *wire.Message) error {
	for _, other := range p.swarm.Peers() {
		op, ok := other.(*Peer)
		if !ok || op == p || op.state != stateHandshook {
			continue
		}
		host, portStr, err := splitHostPort(op.remoteAddr)
		if err != nil {
			continue
		}
		port, _ := parsePort(portStr)
		if err := p.conn.Send(wire.New("pex").
			WithString("peerid", op.remotePeerID).
			WithString("ip", host).
			WithInt("port", int64(port))); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) handlePex(msg *wire.Message) error {
	if !p.deps.PEXEnabled {
		return nil
	}
	peerid, _ := msg.String("peerid")
	ip, _ := msg.String("ip")
	port, _ := msg.Int("port")
	addr := fmt.Sprintf("%s:%d", ip, port)
	_ = p.swarm.Connect(addr, peerid)
	return nil
}

// maybeStartClone implements spec.md §4.4's clone orchestration: the
// first handshook peer in a clone-mode swarm with no active cloner
// starts one.
func (p *Peer) maybeStartClone() {
	if p.swarm.Repo != nil {
		return
	}
	for _, other := range p.swarm.Peers() {
		if op, ok := other.(*Peer); ok && op.isCloning {
			return
		}
	}
	if p.deps.StartProxy == nil {
		return
	}

	proxyURL, closeProxy, err := p.deps.StartProxy(p)
	if err != nil {
		p.deps.Logger.Printf("[peer %s] clone proxy failed: %v", p.remoteAddr, err)
		return
	}

	p.swarm.Cloning = true
	p.isCloning = true
	p.closeProxyFn = closeProxy

	env := append(os.Environ(), "http_proxy="+proxyURL)
	argv := repo.CloneArgv(p.deps.GitBinary, "http://p2p/", p.swarm.Dir)
	c, err := child.Spawn(p.deps.Loop, p.deps.Logger, "clone", argv, env)
	if err != nil {
		p.deps.Logger.Printf("[peer %s] clone spawn failed: %v", p.remoteAddr, err)
		p.swarm.Cloning = false
		p.isCloning = false
		closeProxy()
		return
	}
	p.activeChildKind = cloneChild
	p.activeChild = c
}

// checkRefs runs at most every RefCheckInterval (spec.md §4.4). When
// updateOnly is true the signature is recorded without sending
// ref_change (used after a clone completes).
func (p *Peer) checkRefs(updateOnly bool) {
	if p.swarm == nil || p.swarm.Repo == nil || p.isCloning {
		return
	}
	if !updateOnly && !p.lastCheck.IsZero() && time.Since(p.lastCheck) < p.deps.RefCheckInterval {
		return
	}
	p.lastCheck = time.Now()

	sig, err := p.swarm.Repo.RefsSignature()
	if err != nil {
		p.deps.Logger.Printf("[peer %s] refs signature: %v", p.remoteAddr, err)
		return
	}

	// lastRefSig starts out empty, which no real signature equals, so
	// the first check announces as soon as local refs exist; a
	// repository with no refs yet also yields "" and announces nothing
	// until a ref appears. everChecked only records that a check ran.
	changed := sig != p.lastRefSig
	p.lastRefSig = sig
	p.everChecked = true

	if updateOnly || !changed {
		return
	}

	if err := p.swarm.Repo.UpdateServerInfo(); err != nil {
		p.deps.Logger.Printf("[peer %s] update-server-info: %v", p.remoteAddr, err)
		return
	}
	_ = p.conn.Send(wire.New("ref_change"))
}

// handleRefChange reacts to a peer announcing its refs changed
// (spec.md §4.4): spawn a fetch child through a fresh proxy, and on
// success (if automerge) a merge child.
func (p *Peer) handleRefChange() error {
	if p.state != stateHandshook || p.isCloning || p.activeChild != nil {
		return nil
	}
	if p.deps.StartProxy == nil || p.swarm.Repo == nil {
		return nil
	}

	proxyURL, closeProxy, err := p.deps.StartProxy(p)
	if err != nil {
		return nil
	}
	p.closeProxyFn = closeProxy

	remoteName := "p2p-" + p.remotePeerID
	if err := p.swarm.Repo.AddRemote(p.remotePeerID); err != nil {
		closeProxy()
		p.closeProxyFn = nil
		return nil
	}

	env := append(os.Environ(), "http_proxy="+proxyURL)
	c, err := child.Spawn(p.deps.Loop, p.deps.Logger, "fetch", p.swarm.Repo.FetchArgv(remoteName), env)
	if err != nil {
		closeProxy()
		p.closeProxyFn = nil
		return nil
	}
	p.activeChildKind = fetchChild
	p.activeChild = c
	return nil
}

// OnHeartbeat monitors the active child (clone/fetch/merge) for
// completion and runs the periodic ref-change check (spec.md §4.4).
func (p *Peer) OnHeartbeat() error {
	if p.state != stateHandshook {
		return nil
	}

	if p.activeChild != nil && p.activeChild.Closed {
		p.onChildExit(p.activeChild.ExitCode)
	}

	p.checkRefs(false)
	return nil
}

func (p *Peer) onChildExit(exitCode int) {
	kind := p.activeChildKind
	p.activeChild = nil
	p.activeChildKind = noChild

	if p.closeProxyFn != nil {
		p.closeProxyFn()
		p.closeProxyFn = nil
	}

	switch kind {
	case cloneChild:
		p.isCloning = false
		p.swarm.Cloning = false
		if exitCode != 0 {
			p.Close()
			return
		}
		repository, err := repo.Open(p.swarm.Dir, p.deps.GitBinary)
		if err != nil {
			p.deps.Logger.Printf("[peer %s] reopen cloned repo: %v", p.remoteAddr, err)
			p.Close()
			return
		}
		p.swarm.Repo = repository
		for _, other := range p.swarm.Peers() {
			if op, ok := other.(*Peer); ok {
				op.isCloning = false
			}
		}
		p.checkRefs(true)

	case fetchChild:
		if exitCode != 0 {
			return
		}
		if !p.deps.AutoMerge {
			return
		}
		branch, err := p.swarm.Repo.Branch()
		if err != nil || branch == "" {
			return
		}
		remoteName := "p2p-" + p.remotePeerID
		c, err := child.Spawn(p.deps.Loop, p.deps.Logger, "merge", p.swarm.Repo.MergeArgv(remoteName, branch), nil)
		if err != nil {
			return
		}
		p.activeChildKind = mergeChild
		p.activeChild = c

	case mergeChild:
		// Nothing further to do either way; a failed ff-only merge
		// just leaves the local branch where it was.
	}
}

// --- File transfer: serving side (spec.md §4.4 "File transfer (serving side)") ---

func (p *Peer) handleFileGet(msg *wire.Message) error {
	id, _ := msg.Int("id")
	filename, _ := msg.String("file")

	if p.swarm == nil || p.swarm.Repo == nil {
		return p.conn.Send(wire.New("file_dat").WithInt("id", id).WithInt("chunk", 0).WithBytes("buf", nil))
	}

	path, err := resolveServedFile(p.swarm.Dir, filename)
	if err != nil {
		return p.conn.Send(wire.New("file_dat").WithInt("id", id).WithInt("chunk", 0).WithBytes("buf", nil))
	}

	f, err := os.Open(path)
	if err != nil {
		return p.conn.Send(wire.New("file_dat").WithInt("id", id).WithInt("chunk", 0).WithBytes("buf", nil))
	}

	fs := &fileSend{
		f:            f,
		chunkSize:    p.deps.FileChunkSize,
		window:       p.deps.FileWindow,
		highestAcked: -1,
	}
	p.sends[int(id)] = fs
	return p.driveFileSend(int(id), fs, 0)
}

func (p *Peer) handleFileAck(msg *wire.Message) error {
	id, _ := msg.Int("id")
	chunk, _ := msg.Int("chunk")

	fs, ok := p.sends[int(id)]
	if !ok {
		return nil // spec.md §4.4: unknown-id chunk-0 acks (and others) are silently ignored
	}
	return p.driveFileSend(int(id), fs, int(chunk))
}

func (p *Peer) handleFileCancel(msg *wire.Message) error {
	id, _ := msg.Int("id")
	if fs, ok := p.sends[int(id)]; ok {
		fs.f.Close()
		delete(p.sends, int(id))
	}
	return nil
}

func (p *Peer) driveFileSend(id int, fs *fileSend, ack int) error {
	if ack > 0 {
		if !(fs.highestAcked < ack && ack <= fs.nextChunk) {
			return nil // out-of-range ack; ignore rather than kill the session
		}
		fs.highestAcked = ack
	}

	if fs.eof && fs.highestAcked == fs.nextChunk {
		fs.f.Close()
		delete(p.sends, id)
		return nil
	}

	for i := 0; i < fs.window && !fs.eof; i++ {
		buf := make([]byte, fs.chunkSize)
		n, rerr := fs.f.Read(buf)
		fs.nextChunk++
		if n == 0 {
			fs.eof = true
			if err := p.conn.Send(wire.New("file_dat").WithInt("id", int64(id)).WithInt("chunk", int64(fs.nextChunk)).WithBytes("buf", nil)); err != nil {
				return err
			}
			break
		}
		if err := p.conn.Send(wire.New("file_dat").WithInt("id", int64(id)).WithInt("chunk", int64(fs.nextChunk)).WithBytes("buf", buf[:n])); err != nil {
			return err
		}
		if rerr == io.EOF {
			continue
		}
	}
	return nil
}

// --- File transfer: client side (spec.md §4.4 "File transfer (client side)") ---

// ProxyRequestFile allocates a request id, registers client, and sends
// file_get.
func (p *Peer) ProxyRequestFile(client ProxyClient, filename string) (int, error) {
	id := p.nextReqID
	p.nextReqID++
	p.receives[id] = &fileRecv{client: client}
	if err := p.conn.Send(wire.New("file_get").WithInt("id", int64(id)).WithString("file", filename)); err != nil {
		delete(p.receives, id)
		return 0, err
	}
	return id, nil
}

// ProxyClose drops id from outstanding requests; if cancel, also sends
// file_cancel (spec.md §4.4).
func (p *Peer) ProxyClose(id int, cancel bool) {
	if _, ok := p.receives[id]; !ok {
		return
	}
	delete(p.receives, id)
	if cancel {
		_ = p.conn.Send(wire.New("file_cancel").WithInt("id", int64(id)))
	}
}

func (p *Peer) handleFileDat(msg *wire.Message) error {
	id, _ := msg.Int("id")
	chunk, _ := msg.Int("chunk")
	buf, _ := msg.Bytes("buf")

	fr, ok := p.receives[int(id)]
	if !ok {
		return nil
	}

	fr.client.OnFileData(buf)
	if err := p.conn.Send(wire.New("file_ack").WithInt("id", id).WithInt("chunk", chunk)); err != nil {
		return err
	}
	if len(buf) == 0 {
		delete(p.receives, int(id))
	}
	return nil
}

// --- Close cascade (spec.md §5: "Peer close → Connection close +
// all FileSends close + active child close + active Proxy close") ---

func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.state = stateClosed

	for id, fs := range p.sends {
		fs.f.Close()
		delete(p.sends, id)
	}
	for id := range p.receives {
		delete(p.receives, id)
	}
	if p.activeChild != nil {
		p.activeChild.Close()
		p.activeChild = nil
	}
	if p.closeProxyFn != nil {
		p.closeProxyFn()
		p.closeProxyFn = nil
	}
	if p.swarm != nil {
		p.swarm.RemovePeer(p)
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Peer) onConnClose(c *peerconn.PeerConnection, reason error) {
	p.Close()
}

// resolveServedFile implements the file-serving path policy (spec.md
// §4.4.1): only info/refs, HEAD, and anything under objects/ may be
// served, and .git/config is never reachable.
func resolveServedFile(repoDir, requested string) (string, error) {
	gitDir := filepath.Join(repoDir, ".git")
	full := filepath.Join(gitDir, requested)
	full = filepath.Clean(full)

	prefix := gitDir + string(filepath.Separator)
	if !strings.HasPrefix(full, prefix) {
		return "", fmt.Errorf("peer: path %q escapes .git", requested)
	}

	rel := strings.TrimPrefix(full, prefix)
	switch {
	case rel == "info/refs", rel == "HEAD":
		return full, nil
	case strings.HasPrefix(rel, "objects"+string(filepath.Separator)):
		return full, nil
	default:
		return "", fmt.Errorf("peer: path %q is not servable", requested)
	}
}

// Package node wires every other package together into one running
// swarm participant (spec.md §6's node-level configuration surface).
// Grounded on cmd/omnicloud/main.go's top-level construction order
// (config → storage → subsystems → signal-driven shutdown), but
// reshaped around explicit dependency injection (spec.md §9) instead
// of the teacher's package-level registries: Node is the one place
// that owns the Swarm/Peer/Tracker registries and hands out the
// callback closures every other package asks for.
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/omnicloud/p2pgit/internal/addressbook"
	"github.com/omnicloud/p2pgit/internal/config"
	"github.com/omnicloud/p2pgit/internal/eventloop"
	"github.com/omnicloud/p2pgit/internal/listener"
	"github.com/omnicloud/p2pgit/internal/lpd"
	"github.com/omnicloud/p2pgit/internal/monitor"
	"github.com/omnicloud/p2pgit/internal/peer"
	"github.com/omnicloud/p2pgit/internal/peerconn"
	"github.com/omnicloud/p2pgit/internal/proxy"
	"github.com/omnicloud/p2pgit/internal/repo"
	"github.com/omnicloud/p2pgit/internal/swarm"
	"github.com/omnicloud/p2pgit/internal/tracker"
	"github.com/omnicloud/p2pgit/internal/watcher"
)

// Node owns every long-lived subsystem for one p2p-git process: the
// event loop, the swarm registry, and the three outward-facing
// participants (Listener, LPD, Tracker) that feed new peers into it.
type Node struct {
	cfg    *config.Config
	logger *log.Logger
	loop   *eventloop.Loop

	books *addressbook.Dir // nil if AddressBookDir is unset

	mu     sync.Mutex
	swarms map[string]*swarm.Swarm

	listener *listener.Listener
	lpdD     *lpd.LPD
	trackerD *tracker.Tracker
	mon      *monitor.Monitor
}

// New constructs every subsystem and binds them together but does not
// yet start accepting connections — call Run for that.
func New(cfg *config.Config, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		loop:   eventloop.New(time.Second, logger),
		swarms: make(map[string]*swarm.Swarm),
	}

	if cfg.AddressBookDir != "" {
		books, err := addressbook.Open(cfg.AddressBookDir)
		if err != nil {
			return nil, fmt.Errorf("node: opening address book: %w", err)
		}
		n.books = books
	}

	ln, err := listener.New(n.loop, n.logger, fmt.Sprintf(":%d", cfg.ListenPort), n.peerDeps(), cfg.MsgLenBytes, cfg.MsgMaxLen)
	if err != nil {
		return nil, fmt.Errorf("node: starting listener: %w", err)
	}
	n.listener = ln

	n.lpdD, err = lpd.New(lpd.Deps{
		Loop:       n.loop,
		Logger:     n.logger,
		ListenPort: cfg.ListenPort,
		OurPeerID:  cfg.DefaultPeerID,
		Swarms:     n.Swarms,
		SwarmByID:  n.SwarmByID,
	}, lpd.Config{
		Group:         cfg.McastGroup,
		Port:          cfg.McastPort,
		AnnounceTime:  600 * time.Second,
		SockRetryTime: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("node: starting lpd: %w", err)
	}

	if cfg.DefaultTracker != "" {
		host, port, err := parseHostPort(cfg.DefaultTracker)
		if err != nil {
			return nil, fmt.Errorf("node: default_tracker: %w", err)
		}
		n.trackerD = tracker.New(tracker.Deps{
			Loop:       n.loop,
			Logger:     n.logger,
			ListenPort: cfg.ListenPort,
			OurPeerID:  cfg.DefaultPeerID,
			Swarms:     n.Swarms,
		}, tracker.Config{
			SocketRetry:        cfg.TrackerSocketRetry,
			MaxTrackerInterval: cfg.MaxTrackerInterval,
			MuteTime:           cfg.TrackerMuteTime,
		}, host, port)
	}

	if cfg.MonitorAddr != "" {
		n.mon = monitor.New(n.logger, n)
	}

	return n, nil
}

// peerDeps builds the Deps template handed to every Peer this node
// constructs, inbound or outbound.
func (n *Node) peerDeps() peer.Deps {
	cfg := n.cfg
	return peer.Deps{
		Loop:      n.loop,
		Logger:    n.logger,
		OurPeerID: cfg.DefaultPeerID,
		OurPort:   cfg.ListenPort,
		ClientTag: "p2p-git",
		GitBinary: cfg.GitBinary,

		PEXEnabled:       cfg.PEX,
		AutoMerge:        cfg.AutoMerge,
		RefCheckInterval: cfg.RefCheckInterval,
		FileChunkSize:    cfg.FileGetChunkSize,
		FileWindow:       cfg.FileGetWindow,

		ConnTimeouts: peerconn.Timeouts{
			Connect:  cfg.ConnectTimeout,
			Helo:     cfg.HeloTimeout,
			Idle:     cfg.IdleTimeout,
			IdlePing: cfg.IdlePing,
		},

		ResolveSwarm:  n.SwarmByID,
		RecordAddress: n.recordAddress,
		StartProxy:    n.startProxy,
	}
}

func (n *Node) recordAddress(swarmID, peerID, host string, port int) {
	if n.books == nil {
		return
	}
	book, err := n.books.Book(swarmID)
	if err != nil {
		n.logger.Printf("[node] address book for %s: %v", swarmID, err)
		return
	}
	if err := book.Record(peerID, host, port); err != nil {
		n.logger.Printf("[node] recording address for %s: %v", peerID, err)
	}
}

func (n *Node) startProxy(p *peer.Peer) (string, func(), error) {
	l, err := proxy.NewListener(n.loop, n.logger, proxy.Config{
		IdleTimeout: n.cfg.ProxyIdleTimeout,
		MaxRecv:     n.cfg.ProxyMaxRecv,
		MaxReadBuf:  n.cfg.ProxyMaxReadbuf,
	}, p)
	if err != nil {
		return "", nil, err
	}
	return l.URL, l.Close, nil
}

// dial is the swarm.Dialer every Swarm this node owns is constructed
// with: build an outbound Peer bound to s.
func (n *Node) dial(s *swarm.Swarm, addr string) (swarm.Peer, error) {
	return peer.NewOutbound(n.peerDeps(), s, addr)
}

// AddSwarm registers a new swarm rooted at dir. If dir already
// contains a git working tree it is opened immediately; otherwise the
// swarm starts in clone mode and waits for a seed peer's helo to learn
// where to clone from (spec.md §4.4's clone orchestration).
func (n *Node) AddSwarm(id, dir string) (*swarm.Swarm, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.swarms[id]; ok {
		return s, nil
	}

	var repository *repo.Repo
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		r, err := repo.Open(dir, n.cfg.GitBinary)
		if err != nil {
			return nil, fmt.Errorf("node: opening repo at %s: %w", dir, err)
		}
		repository = r
	}

	s := swarm.New(id, dir, repository, n.cfg.DampenTime, n.cfg.MaxPeers, n.dial, n.logger)
	s.Cloning = repository == nil
	n.swarms[id] = s
	n.loop.Register(s)
	n.lpdD.Update()

	if repository != nil {
		if _, err := watcher.New(n.loop, n.logger, dir, func() { n.notifyRefsChanged(s) }); err != nil {
			n.logger.Printf("[node] ref watcher for %s: %v", id, err)
		}
	}

	if n.books != nil {
		if book, err := n.books.Book(id); err == nil {
			for _, seed := range book.Seeds() {
				addr := fmt.Sprintf("%s:%d", seed.Host, seed.Port)
				if err := s.Connect(addr, seed.PeerID); err != nil {
					n.logger.Printf("[node] seeding %s from address book: %v", id, err)
				}
			}
		}
	}

	return s, nil
}

// notifyRefsChanged wakes every handshook peer in s so its next
// heartbeat runs an immediate ref check instead of waiting out the
// rest of RefCheckInterval (SPEC_FULL.md §14).
func (n *Node) notifyRefsChanged(s *swarm.Swarm) {
	for _, sp := range s.Peers() {
		if p, ok := sp.(*peer.Peer); ok {
			p.NotifyRefsChanged()
		}
	}
}

// Swarms returns a snapshot of every registered swarm. Safe for
// concurrent use — this is the Source the monitor reads through
// (SPEC_FULL.md §13).
func (n *Node) Swarms() []*swarm.Swarm {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*swarm.Swarm, 0, len(n.swarms))
	for _, s := range n.swarms {
		out = append(out, s)
	}
	return out
}

// SwarmByID resolves a SwarmId to its Swarm, for an inbound peer's
// first helo (spec.md §4.4) or an LPD/tracker announce.
func (n *Node) SwarmByID(id string) (*swarm.Swarm, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.swarms[id]
	return s, ok
}

// Run starts the event loop and every outward-facing subsystem, then
// blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	go n.loop.Run()

	if n.mon != nil {
		go func() {
			if err := n.mon.Start(n.cfg.MonitorAddr); err != nil {
				n.logger.Printf("[node] monitor stopped: %v", err)
			}
		}()
	}

	n.logger.Printf("[node] running as %s, listening on %s", n.cfg.DefaultPeerID, n.listener.Addr())

	<-ctx.Done()
	return n.Shutdown()
}

// Shutdown tears down every subsystem in reverse construction order.
func (n *Node) Shutdown() error {
	if n.mon != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.mon.Shutdown(shutdownCtx); err != nil {
			n.logger.Printf("[node] monitor shutdown: %v", err)
		}
	}
	if n.trackerD != nil {
		n.trackerD.Close()
	}
	if n.lpdD != nil {
		n.lpdD.Close()
	}
	n.loop.Stop()
	if n.books != nil {
		if err := n.books.Close(); err != nil {
			n.logger.Printf("[node] closing address books: %v", err)
		}
	}
	return nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

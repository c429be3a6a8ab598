// Package eventloop implements the single-threaded cooperative
// multiplexer described in spec.md §4.1 and §5: one goroutine owns
// every participant's callbacks, heartbeats fan out roughly once a
// second, and a panic or error from any callback closes only the
// offending participant.
//
// Go has no portable user-space equivalent of select(2)/poll(2) over
// arbitrary net.Conn values without reaching for a platform-specific
// epoll binding nothing in the retrieval pack depends on (see
// DESIGN.md). Participants that back onto real sockets therefore run a
// small dedicated pump goroutine that blocks in Read and forwards
// readiness as a Ready value over the loop's single events channel;
// every Ready is then dispatched from the one loop goroutine that also
// runs OnHeartbeat and OnWritable, so all protocol state (Peer, Swarm,
// Tracker, PeerConnection) is touched from exactly one goroutine and
// needs no locking. This is the idiomatic-Go rendition of "Dynamic
// dispatch on participant roles" called for in spec.md §9.
package eventloop

import (
	"fmt"
	"log"
	"time"
)

// Participant is the event-loop contract (spec.md §4.1, §9). Every
// registered participant either answers WantsReadable/WantsWritable
// truthfully (spec.md invariant 4) or is heartbeat-only.
type Participant interface {
	// Name is used only for logging.
	Name() string
	WantsReadable() bool
	WantsWritable() bool
	OnReadable() error
	OnWritable() error
	OnHeartbeat() error
	Close()
}

// Loop is the central multiplexer. Zero value is not usable; use New.
type Loop struct {
	heartbeat time.Duration
	logger    *log.Logger

	participants map[Participant]struct{}
	order        []Participant

	events   chan readyEvent
	register chan Participant
	unreg    chan Participant
	stop     chan struct{}
	stopped  chan struct{}
}

type readyKind int

const (
	readyReadable readyKind = iota
	readyWritable
)

type readyEvent struct {
	p    Participant
	kind readyKind
}

func New(heartbeat time.Duration, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		heartbeat:    heartbeat,
		logger:       logger,
		participants: make(map[Participant]struct{}),
		events:       make(chan readyEvent, 64),
		register:     make(chan Participant),
		unreg:        make(chan Participant),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Register adds a participant to the loop. Safe to call from any
// goroutine (including from inside a callback running on the loop
// goroutine itself, since the channel send there would deadlock —
// callbacks must call registerNow instead via the loop's internal
// helpers). External callers (pump goroutines spawning new
// participants, e.g. Listener accepting a connection) should call
// Register.
func (l *Loop) Register(p Participant) {
	select {
	case l.register <- p:
	case <-l.stopped:
	}
}

// Unregister removes a participant. Safe to call from any goroutine.
func (l *Loop) Unregister(p Participant) {
	select {
	case l.unreg <- p:
	case <-l.stopped:
	}
}

// PostReadable lets a participant's pump goroutine signal that it became
// readable (PostWritable below does the same for writable). These two
// are the only concurrency-safe entry points pump goroutines should use.
func (l *Loop) PostReadable(p Participant) {
	select {
	case l.events <- readyEvent{p: p, kind: readyReadable}:
	case <-l.stopped:
	}
}

func (l *Loop) PostWritable(p Participant) {
	select {
	case l.events <- readyEvent{p: p, kind: readyWritable}:
	case <-l.stopped:
	}
}

// Run blocks, dispatching heartbeats and readiness events on the
// calling goroutine, until Stop is called.
func (l *Loop) Run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return

		case p := <-l.register:
			if _, ok := l.participants[p]; ok {
				continue
			}
			l.participants[p] = struct{}{}
			l.order = append(l.order, p)
			l.runHeartbeatOn(p)

		case p := <-l.unreg:
			l.removeParticipant(p)

		case <-ticker.C:
			l.runHeartbeat()

		case ev := <-l.events:
			if _, ok := l.participants[ev.p]; !ok {
				continue
			}
			switch ev.kind {
			case readyReadable:
				if !ev.p.WantsReadable() {
					continue
				}
				l.attempt(ev.p, ev.p.OnReadable)
			case readyWritable:
				if !ev.p.WantsWritable() {
					continue
				}
				l.attempt(ev.p, ev.p.OnWritable)
			}
		}
	}
}

// Stop ends Run and waits for it to return.
func (l *Loop) Stop() {
	select {
	case <-l.stopped:
		return
	default:
	}
	close(l.stop)
	<-l.stopped
}

func (l *Loop) runHeartbeat() {
	for _, p := range l.order {
		if _, ok := l.participants[p]; !ok {
			continue
		}
		l.runHeartbeatOn(p)
	}
}

func (l *Loop) runHeartbeatOn(p Participant) {
	l.attempt(p, p.OnHeartbeat)
}

// attempt isolates a callback: on error, the participant is closed
// (itself isolated) and removed, and every other participant continues
// (spec.md §4.1, §7 UnexpectedError).
func (l *Loop) attempt(p Participant, f func() error) {
	err := l.safeCall(f)
	if err == nil {
		return
	}
	l.logger.Printf("[eventloop] %s: %v, closing", p.Name(), err)
	l.safeClose(p)
	l.removeParticipant(p)
}

func (l *Loop) safeCall(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return f()
}

func (l *Loop) safeClose(p Participant) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("[eventloop] %s: panic during close: %v", p.Name(), r)
		}
	}()
	p.Close()
}

func (l *Loop) removeParticipant(p Participant) {
	if _, ok := l.participants[p]; !ok {
		return
	}
	delete(l.participants, p)
	for i, x := range l.order {
		if x == p {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

type panicError struct{ v interface{} }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }

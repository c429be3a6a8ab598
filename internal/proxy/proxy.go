// Package proxy implements the loopback HTTP bridge a cloning or
// fetching repository-tool child is pointed at via http_proxy (spec.md
// §4.6). It speaks just enough of HTTP/1.1 to satisfy git's dumb HTTP
// client: parse one GET request line plus a Proxy-Authorization
// header, then stream the requested file back as a chunked response
// built from the owning Peer's file_get/file_dat exchange.
//
// Grounded on original_source/p2p/proxy.py's ProxyListener/Proxy pair,
// translated to the pump-goroutine-plus-channel pattern already used
// by internal/peerconn and internal/child for the same reason: Go
// exposes net.Listener/net.Conn as blocking I/O, so the accept loop and
// each connection's reads happen off the loop goroutine and are
// reported back via Post{Readable,Writable}, while responses are
// written synchronously (again mirroring peerconn.Send — loopback
// traffic here is small and local, so a blocking write essentially
// never stalls the loop).
package proxy

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/omnicloud/p2pgit/internal/eventloop"
)

// FileRequester is the subset of internal/peer.Peer a Proxy needs: it
// lets internal/proxy avoid importing internal/peer's full session
// machinery, the same interface-inversion style internal/swarm uses.
type FileRequester interface {
	ProxyRequestFile(client interface {
		OnFileData(buf []byte)
		OnFileError(err error)
	}, filename string) (int, error)
	ProxyClose(id int, cancel bool)
}

// Config bundles the tunables spec.md §6 lists for the proxy.
type Config struct {
	IdleTimeout time.Duration // proxy_idle_timeout, default 60s
	MaxRecv     int           // proxy_max_recv, default 8KiB
	MaxReadBuf  int           // proxy_max_readbuf, default 32KiB
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout: 60 * time.Second,
		MaxRecv:     8 * 1024,
		MaxReadBuf:  32 * 1024,
	}
}

var requestLineRe = regexp.MustCompile(`^GET http://p2p/([.a-zA-Z0-9/_-]+)[? ]`)
var authHeaderRe = regexp.MustCompile(`(?m)^Proxy-Authorization: Basic (\S+)$`)

// randomToken mirrors base64.b32encode(os.urandom(10)) from the
// original: 10 random bytes, base32 encoded.
func randomToken() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf), nil
}

// Listener binds loopback on an ephemeral port and hands each accepted
// connection to a fresh proxyConn. One Listener lives for the duration
// of a single clone/fetch child (spec.md §4.6).
type Listener struct {
	loop   *eventloop.Loop
	logger *log.Logger
	cfg    Config
	peer   FileRequester

	ln   net.Listener
	auth string // "user:pass"
	URL  string

	acceptCh chan net.Conn
	closed   bool

	children []*proxyConn
}

// NewListener starts listening and registers with loop. Callers should
// export URL as http_proxy before spawning the child, then call
// Close once the child has exited (spec.md §5's shared-resource
// policy: "set_env... immediately before spawning").
func NewListener(loop *eventloop.Loop, logger *log.Logger, cfg Config, p FileRequester) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("proxy: listen: %w", err)
	}

	user, err := randomToken()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("proxy: generating credential: %w", err)
	}
	pass, err := randomToken()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("proxy: generating credential: %w", err)
	}

	l := &Listener{
		loop:     loop,
		logger:   logger,
		cfg:      cfg,
		peer:     p,
		ln:       ln,
		auth:     user + ":" + pass,
		acceptCh: make(chan net.Conn, 4),
	}
	l.URL = fmt.Sprintf("http://%s@%s/", l.auth, ln.Addr().String())

	loop.Register(l)
	go l.acceptLoop()
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

func (l *Listener) Name() string { return fmt.Sprintf("proxy-listener(%s)", l.ln.Addr()) }

func (l *Listener) WantsReadable() bool { return !l.closed }
func (l *Listener) WantsWritable() bool { return false }
func (l *Listener) OnWritable() error   { return nil }

func (l *Listener) OnReadable() error {
	for {
		select {
		case conn := <-l.acceptCh:
			c := newProxyConn(l.loop, l.logger, l.cfg, l.auth, l.peer, conn)
			l.children = append(l.children, c)
		default:
			return nil
		}
	}
}

// OnHeartbeat prunes closed children (spec.md §4.6's reap_children).
func (l *Listener) OnHeartbeat() error {
	live := l.children[:0]
	for _, c := range l.children {
		if !c.closed {
			live = append(live, c)
		}
	}
	l.children = live
	return nil
}

// Close tears down the listener and every outstanding connection.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.ln.Close()
	l.loop.Unregister(l)
	for _, c := range l.children {
		c.Close()
	}
}

type proxyConn struct {
	loop   *eventloop.Loop
	logger *log.Logger
	cfg    Config
	auth   string
	peer   FileRequester

	conn net.Conn
	name string

	readCh chan readResult

	readbuf       strings.Builder
	bytesRead     int
	requestParsed bool
	createdAt     time.Time
	id            int
	eof           bool
	headerSent    bool
	closed        bool
}

type readResult struct {
	data []byte
	err  error
}

func newProxyConn(loop *eventloop.Loop, logger *log.Logger, cfg Config, auth string, p FileRequester, conn net.Conn) *proxyConn {
	c := &proxyConn{
		loop:      loop,
		logger:    logger,
		cfg:       cfg,
		auth:      auth,
		peer:      p,
		conn:      conn,
		name:      fmt.Sprintf("proxy-conn(%s)", conn.RemoteAddr()),
		readCh:    make(chan readResult, 8),
		createdAt: time.Now(),
		id:        -1,
	}
	go c.pump()
	loop.Register(c)
	return c
}

func (c *proxyConn) pump() {
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

func (c *proxyConn) Name() string { return c.name }

func (c *proxyConn) WantsReadable() bool { return !c.closed }
func (c *proxyConn) WantsWritable() bool { return false }
func (c *proxyConn) OnWritable() error   { return nil }

func (c *proxyConn) OnReadable() error {
	for {
		select {
		case r := <-c.readCh:
			if r.err != nil {
				c.Close()
				return nil
			}
			c.onData(r.data)
		default:
			return nil
		}
	}
}

func (c *proxyConn) onData(buf []byte) {
	c.bytesRead += len(buf)
	if c.bytesRead > c.cfg.MaxReadBuf {
		c.logger.Printf("[%s] request exceeded %d bytes, closing", c.name, c.cfg.MaxReadBuf)
		c.Close()
		return
	}
	if c.requestParsed {
		// Streaming a request body isn't part of this protocol; any
		// further bytes are ignored rather than re-parsed.
		return
	}

	c.readbuf.WriteString(strings.ReplaceAll(string(buf), "\r", ""))
	head, rest, found := cutDoubleNewline(c.readbuf.String())
	if !found {
		return
	}
	_ = rest
	c.requestParsed = true
	c.parse(head)
}

func cutDoubleNewline(s string) (head, rest string, found bool) {
	idx := strings.Index(s, "\n\n")
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+2:], true
}

func (c *proxyConn) parse(request string) {
	m := requestLineRe.FindStringSubmatch(request)
	if m == nil {
		c.logger.Printf("[%s] malformed request line", c.name)
		c.Close()
		return
	}
	filename := m[1]

	am := authHeaderRe.FindStringSubmatch(request)
	if am == nil {
		c.logger.Printf("[%s] missing Proxy-Authorization header", c.name)
		c.Close()
		return
	}
	decoded, err := decodeBasicAuth(am[1])
	if err != nil || decoded != c.auth {
		c.logger.Printf("[%s] authorization failure", c.name)
		c.Close()
		return
	}

	id, err := c.peer.ProxyRequestFile(c, filename)
	if err != nil {
		c.logger.Printf("[%s] proxy request file %q: %v", c.name, filename, err)
		c.Close()
		return
	}
	c.id = id
}

func decodeBasicAuth(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// OnHeartbeat enforces the idle timeout: a connection must send a
// request line within IdleTimeout or is closed (spec.md §4.6).
func (c *proxyConn) OnHeartbeat() error {
	if c.closed || c.requestParsed {
		return nil
	}
	if c.cfg.IdleTimeout > 0 && time.Since(c.createdAt) >= c.cfg.IdleTimeout {
		c.logger.Printf("[%s] idle timeout waiting for request", c.name)
		c.Close()
	}
	return nil
}

// OnFileData implements peer.ProxyClient: stream one chunked HTTP
// fragment per file_dat message (spec.md §4.6).
func (c *proxyConn) OnFileData(buf []byte) {
	if c.closed || c.eof {
		return
	}

	if len(buf) == 0 {
		if c.sentHeader() {
			c.write("0\r\n\r\n")
		} else {
			c.write(notFoundResponse())
		}
		c.eof = true
		c.Close()
		return
	}

	if !c.sentHeader() {
		c.markSentHeader()
		c.write(okResponseHeader())
	}
	c.write(fmt.Sprintf("%x\r\n", len(buf)))
	c.conn.Write(buf)
	c.write("\r\n")
}

// OnFileError implements peer.ProxyClient: the transfer failed before
// completion — closing without sending a terminator is the closest
// analog available once HTTP headers may already be on the wire.
func (c *proxyConn) OnFileError(err error) {
	c.logger.Printf("[%s] file transfer error: %v", c.name, err)
	c.Close()
}

// sentHeader/markSentHeader track whether HTTP headers have been
// written yet, deciding between a 200 streamed response and a 404 —
// which response code to send isn't known until the first file_dat
// chunk arrives (spec.md §4.6).
func (c *proxyConn) sentHeader() bool { return c.headerSent }
func (c *proxyConn) markSentHeader()  { c.headerSent = true }

func (c *proxyConn) write(s string) {
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.Close()
	}
}

func okResponseHeader() string {
	return "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Connection: close\r\n" +
		"\r\n"
}

func notFoundResponse() string {
	return "HTTP/1.1 404 Not Found\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Connection: close\r\n" +
		"\r\n"
}

func (c *proxyConn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.id >= 0 {
		c.peer.ProxyClose(c.id, !c.eof)
	}
	c.conn.Close()
	c.loop.Unregister(c)
}

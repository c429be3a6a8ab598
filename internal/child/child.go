// Package child supervises an external subprocess (the repository
// tool, invoked as a black box per spec.md §1): it streams combined
// stdout+stderr to the log line by line and reaps the process once its
// output pipe reaches EOF (spec.md §4.3, §5's justified blocking-wait
// suspension point — the child has already closed its output, so a
// blocking wait for it to finish exiting is bounded).
package child

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/omnicloud/p2pgit/internal/eventloop"
)

// Child runs at most one subprocess per owner (spec.md invariant 2:
// at most one of {clone, fetch, merge} per Peer — enforced by the
// Peer, not here).
type Child struct {
	tag    string
	argv   []string
	logger *log.Logger
	loop   *eventloop.Loop

	cmd    *exec.Cmd
	reader *os.File

	dataCh chan []byte

	ExitCode int
	Closed   bool

	lineBuf bytes.Buffer
}

// Spawn starts argv with the given environment (nil means inherit),
// registers the pump goroutine that streams its combined output, and
// registers the Child with loop so OnReadable is invoked on the loop
// goroutine as output arrives.
func Spawn(loop *eventloop.Loop, logger *log.Logger, tag string, argv []string, env []string) (*Child, error) {
	if logger == nil {
		logger = log.Default()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if env != nil {
		cmd.Env = env
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("child: pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("child: start %v: %w", argv, err)
	}
	pw.Close()

	c := &Child{
		tag:    tag,
		argv:   argv,
		logger: logger,
		loop:   loop,
		cmd:    cmd,
		reader: pr,
		dataCh: make(chan []byte, 16),
	}

	logger.Printf("[child %s] running %v (pid %d)", tag, argv, cmd.Process.Pid)

	go c.pump()
	loop.Register(c)

	return c, nil
}

func (c *Child) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.dataCh <- chunk
			c.loop.PostReadable(c)
		}
		if err != nil {
			close(c.dataCh)
			c.loop.PostReadable(c)
			return
		}
	}
}

func (c *Child) Name() string { return fmt.Sprintf("child(%s)", c.tag) }

func (c *Child) WantsReadable() bool { return !c.Closed }
func (c *Child) WantsWritable() bool { return false }
func (c *Child) OnWritable() error   { return nil }

func (c *Child) OnHeartbeat() error { return nil }

// OnReadable drains whatever chunks the pump has queued, line-logs
// them, and — once the pump signals EOF — reaps the process and
// records its exit code. The caller (Peer) polls Closed/ExitCode from
// its own heartbeat, matching spec.md §4.4's child-monitoring logic.
func (c *Child) OnReadable() error {
	for {
		select {
		case chunk, ok := <-c.dataCh:
			if !ok {
				return c.reap()
			}
			c.logChunk(chunk)
		default:
			return nil
		}
	}
}

func (c *Child) logChunk(chunk []byte) {
	c.lineBuf.Write(chunk)
	for {
		line, err := c.lineBuf.ReadString('\n')
		if err != nil {
			// Incomplete line; push back what ReadString consumed.
			c.lineBuf.Reset()
			c.lineBuf.WriteString(line)
			return
		}
		line = trimTrailingNewline(line)
		if line != "" {
			c.logger.Printf("[child %s] %s", c.tag, line)
		}
	}
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Child) reap() error {
	if c.lineBuf.Len() > 0 {
		c.logger.Printf("[child %s] %s", c.tag, c.lineBuf.String())
		c.lineBuf.Reset()
	}

	err := c.cmd.Wait()
	c.ExitCode = exitCodeOf(err)
	c.Closed = true
	c.logger.Printf("[child %s] exit %d", c.tag, c.ExitCode)
	c.loop.Unregister(c)
	return nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Close terminates the subprocess if still running. Called by the
// owning Peer on cascade-close.
func (c *Child) Close() {
	if c.Closed {
		return
	}
	c.Closed = true
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.reader.Close()
	_, _ = c.cmd.Process.Wait()
}

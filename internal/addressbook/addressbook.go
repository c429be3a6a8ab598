// Package addressbook persists known peer addresses per swarm across
// restarts (SPEC_FULL.md §12). Unlike the teacher's
// PostgresPieceCompletion (internal/torrent/postgres_completion.go),
// p2p-git owns no server-side relational state (spec.md §6), so this
// is a local append-only log using the same bencode codec already
// wired for the wire protocol, rather than pulling in lib/pq for a
// single-process key set.
package addressbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent/bencode"
)

// Address is one recorded peer location within a swarm.
type Address struct {
	PeerID string `bencode:"peerid"`
	Host   string `bencode:"host"`
	Port   int    `bencode:"port"`
}

func (a Address) key() string { return fmt.Sprintf("%s|%s|%d", a.PeerID, a.Host, a.Port) }

// Book is one swarm's on-disk address log, held open for the process
// lifetime. Safe for concurrent use (a mutex guards every method);
// Record is called from the loop goroutine when a peer completes its
// handshake.
type Book struct {
	mu    sync.Mutex
	path  string
	known map[string]Address
	order []string
	file  *os.File
}

// Dir is an open directory of per-swarm address books, keyed by
// swarm ID, rooted at the directory passed to Open (the node passes
// its configured AddressBookDir).
type Dir struct {
	root string

	mu    sync.Mutex
	books map[string]*Book
}

// Open returns a Dir rooted at root, creating the directory if needed.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("addressbook: mkdir %s: %w", root, err)
	}
	return &Dir{root: root, books: make(map[string]*Book)}, nil
}

// Book returns (opening and loading if necessary) the address book
// for the given swarm ID.
func (d *Dir) Book(swarmID string) (*Book, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.books[swarmID]; ok {
		return b, nil
	}

	path := filepath.Join(d.root, swarmID+".book")
	b, err := openBook(path)
	if err != nil {
		return nil, err
	}
	d.books[swarmID] = b
	return b, nil
}

// Close closes every book opened through this Dir.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, b := range d.books {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openBook(path string) (*Book, error) {
	b := &Book{
		path:  path,
		known: make(map[string]Address),
	}

	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var addr Address
			if err := bencode.Unmarshal(line, &addr); err != nil {
				continue // tolerate a truncated trailing record from a prior crash
			}
			b.insert(addr)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("addressbook: reading %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("addressbook: opening %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("addressbook: opening %s for append: %w", path, err)
	}
	b.file = file

	return b, nil
}

func (b *Book) insert(a Address) {
	k := a.key()
	if _, exists := b.known[k]; !exists {
		b.order = append(b.order, k)
	}
	b.known[k] = a
}

// Record appends addr to the book (or is a no-op if already present).
// Called whenever a Peer completes handshake (spec.md §4.3).
func (b *Book) Record(peerID, host string, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a := Address{PeerID: peerID, Host: host, Port: port}
	k := a.key()
	if _, exists := b.known[k]; exists {
		return nil
	}
	b.insert(a)

	enc, err := bencode.Marshal(a)
	if err != nil {
		return fmt.Errorf("addressbook: encode: %w", err)
	}
	if _, err := b.file.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("addressbook: append to %s: %w", b.path, err)
	}
	return b.file.Sync()
}

// Seeds returns every known address for this swarm, in the order
// first recorded, for use as initial connect candidates before any
// tracker or LPD response arrives (SPEC_FULL.md §12, §0).
func (b *Book) Seeds() []Address {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Address, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.known[k])
	}
	return out
}

// Close flushes and closes the underlying file.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

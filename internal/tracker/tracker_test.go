package tracker

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/omnicloud/p2pgit/internal/swarm"
)

func quietLogger() *log.Logger { return log.New(&strings.Builder{}, "", 0) }

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return &Tracker{
		deps: Deps{
			Logger:    quietLogger(),
			OurPeerID: "test-peer",
			Swarms:    func() []*swarm.Swarm { return nil },
		},
		cfg:           DefaultConfig(),
		transactionID: 42,
		swarms:        make(map[*swarm.Swarm]time.Time),
	}
}

func TestParseIgnoresTransactionIDMismatch(t *testing.T) {
	tr := newTestTracker(t)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(actionConnect))
	binary.Write(&buf, binary.BigEndian, uint32(999)) // wrong transaction id
	binary.Write(&buf, binary.BigEndian, uint64(12345))

	tr.parse(buf.Bytes())
	if tr.haveConnID {
		t.Fatalf("a transaction-id mismatch must not update connection state")
	}
}

func TestParseConnectResponseSetsConnID(t *testing.T) {
	tr := newTestTracker(t)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(actionConnect))
	binary.Write(&buf, binary.BigEndian, tr.transactionID)
	binary.Write(&buf, binary.BigEndian, uint64(0xdeadbeef))

	tr.parse(buf.Bytes())

	if !tr.haveConnID || tr.connID != 0xdeadbeef {
		t.Fatalf("expected connID 0xdeadbeef, got haveConnID=%v connID=%x", tr.haveConnID, tr.connID)
	}
	if tr.state != stateAnnouncing {
		t.Fatalf("expected state transition to announcing, got %v", tr.state)
	}
}

func TestParseAnnounceResponseDecodesPeersAndCallsConnect(t *testing.T) {
	tr := newTestTracker(t)

	var connected []string
	dial := func(s *swarm.Swarm, addr string) (swarm.Peer, error) {
		connected = append(connected, addr)
		return nil, fmt.Errorf("test dialer always fails")
	}
	s := swarm.New(strings.Repeat("ab", 20), t.TempDir(), nil, time.Minute, 10, dial, nil)
	tr.announceSwarm = s
	tr.swarms[s] = time.Time{}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(actionAnnounce))
	binary.Write(&buf, binary.BigEndian, tr.transactionID)
	binary.Write(&buf, binary.BigEndian, uint32(1800)) // interval
	binary.Write(&buf, binary.BigEndian, uint32(0))    // leechers
	binary.Write(&buf, binary.BigEndian, uint32(1))    // seeders
	buf.Write([]byte{10, 0, 0, 1})
	binary.Write(&buf, binary.BigEndian, uint16(6881))
	buf.Write([]byte{192, 168, 1, 2})
	binary.Write(&buf, binary.BigEndian, uint16(6882))

	tr.parse(buf.Bytes())

	if len(connected) != 2 {
		t.Fatalf("expected 2 decoded peers, got %d: %v", len(connected), connected)
	}
	if connected[0] != "10.0.0.1:6881" || connected[1] != "192.168.1.2:6882" {
		t.Fatalf("unexpected decoded peer addresses: %v", connected)
	}
	if tr.announceSwarm != nil {
		t.Fatalf("announceSwarm should be cleared after a successful announce")
	}
	if tr.state != statePickSwarm {
		t.Fatalf("expected state transition to pick-swarm, got %v", tr.state)
	}
}

func TestParseErrorActionMutesTracker(t *testing.T) {
	for _, action := range []uint32{actionError, actionErrorBigEndianTypo} {
		tr := newTestTracker(t)
		tr.haveConnID = true
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, action)
		binary.Write(&buf, binary.BigEndian, tr.transactionID)
		buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})

		tr.parse(buf.Bytes())

		if tr.state != stateMuted {
			t.Fatalf("action %d: expected muted state, got %v", action, tr.state)
		}
		if tr.haveConnID {
			t.Fatalf("action %d: connection id should be dropped on error", action)
		}
	}
}

func TestPickSwarmOnlyChoosesDueSwarms(t *testing.T) {
	tr := newTestTracker(t)
	dueSwarm := swarm.New(strings.Repeat("aa", 20), t.TempDir(), nil, time.Minute, 10, nil, nil)
	notDueSwarm := swarm.New(strings.Repeat("bb", 20), t.TempDir(), nil, time.Minute, 10, nil, nil)

	tr.swarms[dueSwarm] = time.Time{}
	tr.swarms[notDueSwarm] = time.Now().Add(time.Hour)

	tr.pickSwarm()

	if tr.announceSwarm != dueSwarm {
		t.Fatalf("expected the only due swarm to be picked")
	}
	if tr.state != stateNeedConnID {
		t.Fatalf("expected state transition to need-conn-id, got %v", tr.state)
	}
}

func TestBackoffGrowsThenCaps(t *testing.T) {
	prev := connIDBackoff(0)
	for i := 1; i <= 6; i++ {
		cur := connIDBackoff(i)
		if i <= 4 && cur <= prev {
			t.Fatalf("connIDBackoff(%d) should exceed connIDBackoff(%d)", i, i-1)
		}
		if i > 4 && cur != connIDBackoff(4) {
			t.Fatalf("connIDBackoff(%d) should be capped at connIDBackoff(4)", i)
		}
		prev = cur
	}

	aprev := announceBackoff(0)
	for i := 1; i <= 6; i++ {
		cur := announceBackoff(i)
		if i <= 4 && cur <= aprev {
			t.Fatalf("announceBackoff(%d) should exceed announceBackoff(%d)", i, i-1)
		}
		if i > 4 && cur != announceBackoff(4) {
			t.Fatalf("announceBackoff(%d) should be capped at announceBackoff(4)", i)
		}
		aprev = cur
	}
}

func TestInfoHashDecodingRejectsNonHexSwarmID(t *testing.T) {
	if _, err := hex.DecodeString("not-hex"); err == nil {
		t.Fatalf("expected hex decode of a non-hex swarm id to fail")
	}
}

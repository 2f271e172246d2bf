package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/proto"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []proto.Request {
	t.Helper()

	var out []proto.Request
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var msg proto.Request
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("decode written line %q: %v", line, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestBroadcastExcludesSenderByIdentity(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r, testLogger())

	var aliceOut, bobOut, carolOut bytes.Buffer
	r.Upsert("alice", NewPeer(&aliceOut))
	r.Upsert("bob", NewPeer(&bobOut))
	r.Upsert("carol", NewPeer(&carolOut))

	for _, id := range []string{"alice", "bob"} {
		if err := r.SetGroup(id, "g1"); err != nil {
			t.Fatalf("set group: %v", err)
		}
	}
	if err := r.SetGroup("carol", "g2"); err != nil {
		t.Fatalf("set group: %v", err)
	}

	b.Broadcast("g1", "alice", &proto.Response{Type: proto.KindReloadMessages})

	if aliceOut.Len() != 0 {
		t.Fatalf("sender must not receive its own fan-out: %q", aliceOut.String())
	}
	if carolOut.Len() != 0 {
		t.Fatalf("other group must not receive fan-out: %q", carolOut.String())
	}
	msgs := decodeLines(t, &bobOut)
	if len(msgs) != 1 || msgs[0].Type != proto.KindReloadMessages {
		t.Fatalf("expected one reload_messages for bob, got %v", msgs)
	}
}

func TestBroadcastSurvivesBrokenRecipient(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(r, testLogger())

	var bobOut, carolOut bytes.Buffer
	r.Upsert("alice", NewPeer(failingWriter{}))
	r.Upsert("bob", NewPeer(&bobOut))
	r.Upsert("carol", NewPeer(&carolOut))
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := r.SetGroup(id, "g1"); err != nil {
			t.Fatalf("set group: %v", err)
		}
	}

	// dave sends: alice's socket is broken, bob and carol still get it.
	b.Broadcast("g1", "dave", &proto.Response{Type: proto.KindReloadMessages})

	if got := decodeLines(t, &bobOut); len(got) != 1 {
		t.Fatalf("expected delivery to bob despite broken peer, got %v", got)
	}
	if got := decodeLines(t, &carolOut); len(got) != 1 {
		t.Fatalf("expected delivery to carol despite broken peer, got %v", got)
	}
}

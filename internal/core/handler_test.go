package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/vforte/gruppo/internal/auth"
	"github.com/vforte/gruppo/internal/proto"
	"github.com/vforte/gruppo/internal/store/sqlite"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry := NewRegistry()
	logger := testLogger()
	return NewHandler(st, auth.NewService(st), registry, NewBroadcaster(registry, logger), 20, logger)
}

// testClient drives the state machine of one simulated connection.
type testClient struct {
	st   *connState
	peer *Peer
	out  *bytes.Buffer
}

func newTestClient() *testClient {
	var out bytes.Buffer
	return &testClient{
		st:   &connState{state: StateUnauthenticated},
		peer: NewPeer(&out),
		out:  &out,
	}
}

func (c *testClient) do(t *testing.T, h *Handler, kind string, data any) *proto.Response {
	t.Helper()

	req := &proto.Request{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal request data: %v", err)
		}
		req.Data = raw
	}

	resp, _ := h.process(context.Background(), c.st, c.peer, req)
	return resp
}

func (c *testClient) authed(t *testing.T, h *Handler, username string) {
	t.Helper()

	resp := c.do(t, h, proto.KindRegister, proto.RegisterData{Username: username, Password: "password123"})
	result, ok := resp.Data.(proto.AuthResultData)
	if resp.Type != proto.KindAuthResult || !ok || !result.Success {
		t.Fatalf("register %s: unexpected response %+v", username, resp)
	}
}

func TestRegisterThenBadLogin(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	resp := alice.do(t, h, proto.KindRegister, proto.RegisterData{Username: "alice", Password: "pw1234"})
	result := resp.Data.(proto.AuthResultData)
	if !result.Success || result.UserID == "" {
		t.Fatalf("expected successful registration, got %+v", result)
	}
	if alice.st.state != StateHome {
		t.Fatalf("expected Home state after register, got %v", alice.st.state)
	}

	intruder := newTestClient()
	resp = intruder.do(t, h, proto.KindLogin, proto.LoginData{Username: "alice", Password: "wrong"})
	result = resp.Data.(proto.AuthResultData)
	if result.Success || result.UserID != "" {
		t.Fatalf("expected failed login, got %+v", result)
	}
	if intruder.st.state != StateUnauthenticated {
		t.Fatalf("failed login must not change state")
	}
}

func TestUnauthenticatedRequestsAreGated(t *testing.T) {
	h := newTestHandler(t)
	c := newTestClient()

	kinds := []struct {
		kind string
		data any
	}{
		{proto.KindCreateGroup, proto.CreateGroupData{Name: "team"}},
		{proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"}},
		{proto.KindLeaveGroup, proto.LeaveGroupData{GroupName: "team"}},
		{proto.KindInviteUser, proto.InviteUserData{Username: "bob", GroupName: "team"}},
		{proto.KindSendMessage, proto.SendMessageData{Content: "hi", GroupName: "team"}},
		{proto.KindListGroups, nil},
		{proto.KindListUsers, nil},
		{proto.KindListGroupUsers, proto.ListGroupUsersData{GroupName: "team"}},
		{proto.KindGoHome, nil},
	}
	for _, tc := range kinds {
		resp := c.do(t, h, tc.kind, tc.data)
		if resp.Type != proto.KindError {
			t.Fatalf("%s: expected error response, got %+v", tc.kind, resp)
		}
		if resp.Data.(proto.ErrorData).Code != ErrCodeNotAuthenticated {
			t.Fatalf("%s: expected not_authenticated, got %+v", tc.kind, resp.Data)
		}
	}

	// No registry or store mutation happened.
	if h.registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d sessions", h.registry.Len())
	}
	groups, err := h.store.CountGroups(context.Background())
	if err != nil || groups != 0 {
		t.Fatalf("expected no groups persisted, got %d (%v)", groups, err)
	}
}

func TestCreateAndJoinGroup(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")

	resp := alice.do(t, h, proto.KindCreateGroup, proto.CreateGroupData{Name: "team"})
	if resp.Type != proto.KindOk {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if alice.st.state != StateHome {
		t.Fatalf("create group must not change state")
	}

	resp = alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})
	joined, ok := resp.Data.(proto.GroupJoinedData)
	if resp.Type != proto.KindGroupJoined || !ok {
		t.Fatalf("expected group_joined, got %+v", resp)
	}
	if joined.Group.Name != "team" || len(joined.RecentMessages) != 0 {
		t.Fatalf("unexpected join payload %+v", joined)
	}
	if alice.st.state != StateInGroup || alice.st.groupName != "team" {
		t.Fatalf("expected InGroup(team), got %+v", alice.st)
	}
}

func TestJoinUnknownGroup(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")

	resp := alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "ghost"})
	if resp.Type != proto.KindError || resp.Data.(proto.ErrorData).Code != ErrCodeNotFound {
		t.Fatalf("expected not_found error, got %+v", resp)
	}
	if alice.st.state != StateHome {
		t.Fatalf("failed join must not change state")
	}
}

func TestSendMessageEchoAndFanOut(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")
	bob := newTestClient()
	bob.authed(t, h, "bob")

	alice.do(t, h, proto.KindCreateGroup, proto.CreateGroupData{Name: "team"})
	if resp := alice.do(t, h, proto.KindInviteUser, proto.InviteUserData{Username: "bob", GroupName: "team"}); resp.Type != proto.KindOk {
		t.Fatalf("invite: %+v", resp)
	}
	alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})
	bob.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})

	resp := alice.do(t, h, proto.KindSendMessage, proto.SendMessageData{Content: "hi", GroupName: "team"})
	received, ok := resp.Data.(proto.MessageReceivedData)
	if resp.Type != proto.KindMessageReceived || !ok {
		t.Fatalf("expected message_received, got %+v", resp)
	}
	if received.Message.Content != "hi" || received.Message.Username != "alice" {
		t.Fatalf("unexpected echo %+v", received.Message)
	}
	if len(received.RecentMessages) != 1 || received.RecentMessages[0].Content != "hi" {
		t.Fatalf("expected window [hi], got %+v", received.RecentMessages)
	}

	// Bob receives the reload without polling; alice's own socket stays
	// silent because the direct response is the only thing she gets.
	if alice.out.Len() != 0 {
		t.Fatalf("sender must not receive fan-out: %q", alice.out.String())
	}
	lines := decodeLines(t, bob.out)
	if len(lines) != 1 || lines[0].Type != proto.KindReloadMessages {
		t.Fatalf("expected one reload_messages for bob, got %v", lines)
	}
	var reload proto.ReloadMessagesData
	if err := json.Unmarshal(lines[0].Data, &reload); err != nil {
		t.Fatalf("decode reload payload: %v", err)
	}
	if len(reload.RecentMessages) != 1 || reload.RecentMessages[0].Content != "hi" {
		t.Fatalf("expected reload window [hi], got %+v", reload.RecentMessages)
	}
}

func TestSendMessageRequiresGroupContext(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")
	alice.do(t, h, proto.KindCreateGroup, proto.CreateGroupData{Name: "team"})

	resp := alice.do(t, h, proto.KindSendMessage, proto.SendMessageData{Content: "hi", GroupName: "team"})
	if resp.Type != proto.KindError || resp.Data.(proto.ErrorData).Code != ErrCodeNotInGroup {
		t.Fatalf("expected not_in_group error, got %+v", resp)
	}
}

func TestLeaveRejoinRequiresInvite(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")
	bob := newTestClient()
	bob.authed(t, h, "bob")

	bob.do(t, h, proto.KindCreateGroup, proto.CreateGroupData{Name: "team"})
	bob.do(t, h, proto.KindInviteUser, proto.InviteUserData{Username: "alice", GroupName: "team"})
	alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})

	if resp := alice.do(t, h, proto.KindLeaveGroup, proto.LeaveGroupData{GroupName: "team"}); resp.Type != proto.KindOk {
		t.Fatalf("leave: %+v", resp)
	}
	if alice.st.state != StateHome || alice.st.groupID != "" {
		t.Fatalf("expected Home after leave, got %+v", alice.st)
	}

	resp := alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})
	if resp.Type != proto.KindError || resp.Data.(proto.ErrorData).Code != ErrCodeMembership {
		t.Fatalf("expected membership error on rejoin, got %+v", resp)
	}

	if resp := bob.do(t, h, proto.KindInviteUser, proto.InviteUserData{Username: "alice", GroupName: "team"}); resp.Type != proto.KindOk {
		t.Fatalf("re-invite: %+v", resp)
	}
	if resp := alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"}); resp.Type != proto.KindGroupJoined {
		t.Fatalf("expected join to succeed after invite, got %+v", resp)
	}
}

func TestLeaveExcludesFromSnapshot(t *testing.T) {
	h := newTestHandler(t)

	alice := newTestClient()
	alice.authed(t, h, "alice")
	alice.do(t, h, proto.KindCreateGroup, proto.CreateGroupData{Name: "team"})
	resp := alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})
	groupID := resp.Data.(proto.GroupJoinedData).Group.ID

	if got := h.registry.SnapshotMembers(groupID); len(got) != 1 {
		t.Fatalf("expected alice in snapshot, got %v", got)
	}

	alice.do(t, h, proto.KindGoHome, nil)
	if got := h.registry.SnapshotMembers(groupID); len(got) != 0 {
		t.Fatalf("expected empty snapshot after go_home, got %v", got)
	}

	alice.do(t, h, proto.KindJoinGroup, proto.JoinGroupData{GroupName: "team"})
	alice.do(t, h, proto.KindLeaveGroup, proto.LeaveGroupData{GroupName: "team"})
	if got := h.registry.SnapshotMembers(groupID); len(got) != 0 {
		t.Fatalf("expected empty snapshot after leave, got %v", got)
	}
}

func TestQuitClosesAfterAck(t *testing.T) {
	h := newTestHandler(t)
	c := newTestClient()

	resp, quit := h.process(context.Background(), c.st, c.peer, &proto.Request{Type: proto.KindQuit})
	if !quit {
		t.Fatalf("expected quit flag")
	}
	if resp.Type != proto.KindOk {
		t.Fatalf("expected ok ack, got %+v", resp)
	}
}

// line-level protocol over a real socket pair, including cleanup on
// disconnect.
func TestServeLifecycle(t *testing.T) {
	h := newTestHandler(t)

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Serve(ctx, server)
		close(done)
	}()

	reader := bufio.NewReader(client)
	writeLine := func(s string) {
		t.Helper()
		if _, err := client.Write([]byte(s + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	readResponse := func() proto.Request {
		t.Helper()
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg proto.Request
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		return msg
	}

	// Malformed input gets an error response without dropping the
	// connection.
	writeLine("not json")
	if msg := readResponse(); msg.Type != proto.KindError {
		t.Fatalf("expected error for malformed line, got %+v", msg)
	}

	writeLine(`{"type":"register","data":{"username":"alice","password":"password123"}}`)
	msg := readResponse()
	if msg.Type != proto.KindAuthResult {
		t.Fatalf("expected auth_result, got %+v", msg)
	}
	var result proto.AuthResultData
	if err := json.Unmarshal(msg.Data, &result); err != nil || !result.Success {
		t.Fatalf("expected successful auth, got %+v (%v)", result, err)
	}
	if h.registry.Len() != 1 {
		t.Fatalf("expected one session, got %d", h.registry.Len())
	}

	// Disconnect triggers registry cleanup.
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve loop did not exit on disconnect")
	}
	if h.registry.Len() != 0 {
		t.Fatalf("expected registry cleanup on disconnect, got %d", h.registry.Len())
	}
}

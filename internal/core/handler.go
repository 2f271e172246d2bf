// Package core contains the session registry, the per-connection
// protocol state machine, and the message fan-out engine.
package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vforte/gruppo/internal/auth"
	"github.com/vforte/gruppo/internal/proto"
	"github.com/vforte/gruppo/internal/store"
)

// State is the protocol position of one connection, mirrored on client
// and server.
type State int

const (
	// StateUnauthenticated is the initial state of every connection.
	StateUnauthenticated State = iota
	// StateHome is reached after register/login; no group is active.
	StateHome
	// StateInGroup means a group context is active and gates message
	// sending.
	StateInGroup
)

// connState carries the per-connection state machine fields. They are
// owned by a single worker and never shared.
type connState struct {
	state     State
	userID    string
	username  string
	groupID   string
	groupName string
}

// Handler runs the request loop of one connection: decode, authorize by
// state, call the store, update the registry, answer, and fan out on
// message sends.
type Handler struct {
	store       store.Store
	auth        *auth.Service
	registry    *Registry
	broadcaster *Broadcaster
	recentLimit int
	log         *zerolog.Logger
}

// NewHandler assembles a request handler.
func NewHandler(st store.Store, authSvc *auth.Service, registry *Registry, broadcaster *Broadcaster, recentLimit int, logger *zerolog.Logger) *Handler {
	return &Handler{
		store:       st,
		auth:        authSvc,
		registry:    registry,
		broadcaster: broadcaster,
		recentLimit: recentLimit,
		log:         logger,
	}
}

// Serve owns conn until the client disconnects, quits, or a transport
// error occurs, then removes the session from the registry.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := NewPeer(conn)
	st := &connState{state: StateUnauthenticated}

	defer func() {
		if st.userID != "" && h.registry.RemoveIfOwner(st.userID, peer) {
			h.log.Info().Str("user_id", st.userID).Msg("session removed")
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Zero-length read or broken socket: the worker exits and
			// cleanup runs.
			if len(line) == 0 {
				return
			}
			// Process a final unterminated line before exiting.
			h.serveLine(ctx, st, peer, line)
			return
		}

		if quit := h.serveLine(ctx, st, peer, line); quit {
			return
		}
	}
}

func (h *Handler) serveLine(ctx context.Context, st *connState, peer *Peer, line []byte) (quit bool) {
	req, err := proto.DecodeRequest(line)
	if err != nil {
		h.log.Debug().Err(err).Msg("invalid wire message")
		if sendErr := peer.Send(errorResponse(ErrCodeBadRequest, "invalid message")); sendErr != nil {
			return true
		}
		return false
	}

	resp, quit := h.process(ctx, st, peer, req)
	if err := peer.Send(resp); err != nil {
		h.log.Warn().Err(err).Str("user_id", st.userID).Msg("write response failed")
		return true
	}
	return quit
}

// process applies one request to the state machine and produces exactly
// one response. quit reports that the connection should close after the
// response is written.
func (h *Handler) process(ctx context.Context, st *connState, peer *Peer, req *proto.Request) (resp *proto.Response, quit bool) {
	switch req.Type {
	case proto.KindRegister:
		return h.handleRegister(ctx, st, peer, req.Data), false
	case proto.KindLogin:
		return h.handleLogin(ctx, st, peer, req.Data), false
	case proto.KindCreateGroup:
		return h.handleCreateGroup(ctx, st, req.Data), false
	case proto.KindJoinGroup:
		return h.handleJoinGroup(ctx, st, req.Data), false
	case proto.KindLeaveGroup:
		return h.handleLeaveGroup(ctx, st, req.Data), false
	case proto.KindInviteUser:
		return h.handleInviteUser(ctx, st, req.Data), false
	case proto.KindSendMessage:
		return h.handleSendMessage(ctx, st, req.Data), false
	case proto.KindListGroups:
		return h.handleListGroups(ctx, st), false
	case proto.KindListUsers:
		return h.handleListUsers(ctx, st), false
	case proto.KindListGroupUsers:
		return h.handleListGroupUsers(ctx, st, req.Data), false
	case proto.KindGoHome:
		return h.handleGoHome(st), false
	case proto.KindPing:
		return &proto.Response{Type: proto.KindPong}, false
	case proto.KindQuit:
		return h.handleQuit(st), true
	default:
		return errorResponse(ErrCodeBadRequest, "unknown request type"), false
	}
}

func (h *Handler) handleRegister(ctx context.Context, st *connState, peer *Peer, data json.RawMessage) *proto.Response {
	var req proto.RegisterData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}
	if st.state != StateUnauthenticated {
		return errorResponse(ErrCodeAlreadyAuthed, "already authenticated")
	}

	user, err := h.auth.Register(ctx, req.Username, req.Password)
	if err != nil {
		return authFailure("Registration failed: " + err.Error())
	}

	h.authenticate(st, peer, user)
	h.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered and connected")

	return &proto.Response{Type: proto.KindAuthResult, Data: proto.AuthResultData{
		Success: true,
		UserID:  user.ID,
		Message: "Registration successful!",
	}}
}

func (h *Handler) handleLogin(ctx context.Context, st *connState, peer *Peer, data json.RawMessage) *proto.Response {
	var req proto.LoginData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}
	if st.state != StateUnauthenticated {
		return errorResponse(ErrCodeAlreadyAuthed, "already authenticated")
	}

	user, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return authFailure("Login failed: " + err.Error())
	}

	h.authenticate(st, peer, user)
	h.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user logged in and connected")

	return &proto.Response{Type: proto.KindAuthResult, Data: proto.AuthResultData{
		Success: true,
		UserID:  user.ID,
		Message: "Login successful!",
	}}
}

// authenticate transitions Unauthenticated -> Home and installs the
// session. A concurrent login under the same user id is silently
// superseded; the prior socket is not closed.
func (h *Handler) authenticate(st *connState, peer *Peer, user *store.User) {
	h.registry.Upsert(user.ID, peer)
	st.state = StateHome
	st.userID = user.ID
	st.username = user.Username
	st.groupID = ""
	st.groupName = ""
}

func (h *Handler) handleCreateGroup(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	var req proto.CreateGroupData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.CreateGroup(ctx, req.Name, st.userID)
	if err != nil {
		return errorResponse(ErrCodeBadRequest, "Failed to create group: "+err.Error())
	}

	h.log.Info().Str("user_id", st.userID).Str("group", group.ID).Str("name", group.Name).Msg("group created")
	return okResponse("Group '" + group.Name + "' created successfully!")
}

func (h *Handler) handleJoinGroup(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	var req proto.JoinGroupData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.GetGroupByName(ctx, req.GroupName)
	if err != nil {
		return storeErrorResponse("Failed to join group", err)
	}
	if err := h.store.JoinGroup(ctx, group.ID, st.userID); err != nil {
		return storeErrorResponse("Failed to join group", err)
	}

	if err := h.registry.SetGroup(st.userID, group.ID); err != nil {
		// Session superseded by a concurrent login; the store remains
		// authoritative, this connection just stops receiving fan-out.
		h.log.Debug().Str("user_id", st.userID).Msg("set group on missing session")
	}
	st.state = StateInGroup
	st.groupID = group.ID
	st.groupName = group.Name

	recent, err := h.store.RecentMessages(ctx, group.ID, h.recentLimit)
	if err != nil {
		h.log.Warn().Err(err).Str("group", group.ID).Msg("fetch recent messages failed")
		recent = nil
	}

	h.log.Info().Str("user_id", st.userID).Str("group", group.ID).Msg("user entered group")
	return &proto.Response{Type: proto.KindGroupJoined, Data: proto.GroupJoinedData{
		Group:          proto.GroupInfo{ID: group.ID, Name: group.Name},
		RecentMessages: wireMessages(recent),
	}}
}

func (h *Handler) handleLeaveGroup(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	var req proto.LeaveGroupData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.GetGroupByName(ctx, req.GroupName)
	if err != nil {
		return storeErrorResponse("Failed to leave group", err)
	}
	if err := h.store.LeaveGroup(ctx, group.ID, st.userID); err != nil {
		return storeErrorResponse("Failed to leave group", err)
	}

	// Clear the group context together with the membership removal, so
	// this session never believes it is inside a group it has left.
	if st.groupID == group.ID {
		h.clearGroup(st)
	}

	h.log.Info().Str("user_id", st.userID).Str("group", group.ID).Msg("user left group")
	return okResponse("Left group '" + group.Name + "'!")
}

func (h *Handler) handleGoHome(st *connState) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}

	h.clearGroup(st)
	return okResponse("Returned to home")
}

func (h *Handler) clearGroup(st *connState) {
	if err := h.registry.SetGroup(st.userID, ""); err != nil {
		h.log.Debug().Str("user_id", st.userID).Msg("clear group on missing session")
	}
	st.state = StateHome
	st.groupID = ""
	st.groupName = ""
}

func (h *Handler) handleInviteUser(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	var req proto.InviteUserData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.GetGroupByName(ctx, req.GroupName)
	if err != nil {
		return storeErrorResponse("Failed to invite user", err)
	}
	invitee, err := h.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return storeErrorResponse("Failed to invite user", err)
	}
	if err := h.store.InviteUser(ctx, group.ID, st.userID, invitee.ID); err != nil {
		return storeErrorResponse("Failed to invite user", err)
	}

	h.log.Info().
		Str("user_id", st.userID).
		Str("invitee", invitee.ID).
		Str("group", group.ID).
		Msg("user invited to group")
	return okResponse("User '" + invitee.Username + "' invited to group '" + group.Name + "'!")
}

func (h *Handler) handleSendMessage(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	if st.state != StateInGroup {
		return errorResponse(ErrCodeNotInGroup, "join a group before sending messages")
	}
	var req proto.SendMessageData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.GetGroupByName(ctx, req.GroupName)
	if err != nil {
		return storeErrorResponse("Failed to send message", err)
	}

	msg, err := h.store.AppendMessage(ctx, group.ID, st.userID, req.Content)
	if err != nil {
		return storeErrorResponse("Failed to send message", err)
	}

	// The window is re-fetched, never cached: every delivery reflects
	// what the store persisted.
	recent, err := h.store.RecentMessages(ctx, group.ID, h.recentLimit)
	if err != nil {
		return errorResponse(ErrCodeInternal, "Failed to fetch messages: "+err.Error())
	}
	window := wireMessages(recent)

	h.broadcaster.Broadcast(group.ID, st.userID, &proto.Response{
		Type: proto.KindReloadMessages,
		Data: proto.ReloadMessagesData{RecentMessages: window},
	})

	return &proto.Response{Type: proto.KindMessageReceived, Data: proto.MessageReceivedData{
		Message: proto.ChatMessage{
			ID:        msg.ID,
			Content:   msg.Content,
			Username:  st.username,
			Timestamp: msg.SentAt,
		},
		RecentMessages: window,
	}}
}

func (h *Handler) handleListGroups(ctx context.Context, st *connState) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}

	groups, err := h.store.ListUserGroups(ctx, st.userID)
	if err != nil {
		return errorResponse(ErrCodeInternal, "Failed to get groups: "+err.Error())
	}

	infos := lo.Map(groups, func(g *store.Group, _ int) proto.GroupInfo {
		return proto.GroupInfo{ID: g.ID, Name: g.Name}
	})
	return &proto.Response{Type: proto.KindGroupList, Data: proto.GroupListData{Groups: infos}}
}

func (h *Handler) handleListUsers(ctx context.Context, st *connState) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}

	users, err := h.store.ListUsernames(ctx)
	if err != nil {
		return errorResponse(ErrCodeInternal, "Failed to get users: "+err.Error())
	}
	return &proto.Response{Type: proto.KindUserList, Data: proto.UserListData{Users: users}}
}

func (h *Handler) handleListGroupUsers(ctx context.Context, st *connState, data json.RawMessage) *proto.Response {
	if resp := requireAuth(st); resp != nil {
		return resp
	}
	var req proto.ListGroupUsersData
	if resp := decodeData(data, &req); resp != nil {
		return resp
	}

	group, err := h.store.GetGroupByName(ctx, req.GroupName)
	if err != nil {
		return storeErrorResponse("Failed to get group members", err)
	}
	members, err := h.store.ListGroupMembers(ctx, group.ID)
	if err != nil {
		return errorResponse(ErrCodeInternal, "Failed to get group members: "+err.Error())
	}
	return &proto.Response{Type: proto.KindUserList, Data: proto.UserListData{Users: members}}
}

func (h *Handler) handleQuit(st *connState) *proto.Response {
	if st.userID != "" {
		h.log.Info().Str("user_id", st.userID).Msg("user quit")
	}
	return okResponse("Goodbye!")
}

func requireAuth(st *connState) *proto.Response {
	if st.state == StateUnauthenticated {
		return errorResponse(ErrCodeNotAuthenticated, "Not authenticated")
	}
	return nil
}

func decodeData(data json.RawMessage, dst any) *proto.Response {
	if len(data) == 0 {
		return errorResponse(ErrCodeBadRequest, "missing request data")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errorResponse(ErrCodeBadRequest, "invalid request data")
	}
	return nil
}

// storeErrorResponse maps store sentinels onto the protocol error
// taxonomy; anything unexpected is reported as internal.
func storeErrorResponse(prefix string, err error) *proto.Response {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, store.ErrNotMember), errors.Is(err, store.ErrAlreadyMember), errors.Is(err, store.ErrDeparted):
		code = ErrCodeMembership
	}
	return errorResponse(code, prefix+": "+err.Error())
}

func errorResponse(code, message string) *proto.Response {
	return &proto.Response{Type: proto.KindError, Data: proto.ErrorData{Code: code, Message: message}}
}

func okResponse(message string) *proto.Response {
	return &proto.Response{Type: proto.KindOk, Data: proto.OkData{Message: message}}
}

func authFailure(message string) *proto.Response {
	return &proto.Response{Type: proto.KindAuthResult, Data: proto.AuthResultData{
		Success: false,
		Message: message,
	}}
}

func wireMessages(messages []store.ChatMessage) []proto.ChatMessage {
	return lo.Map(messages, func(m store.ChatMessage, _ int) proto.ChatMessage {
		return proto.ChatMessage{
			ID:        m.ID,
			Content:   m.Content,
			Username:  m.Username,
			Timestamp: m.SentAt,
		}
	})
}

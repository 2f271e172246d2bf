// Package proto defines the line-delimited JSON protocol spoken between
// clients and the server. One message is one JSON envelope terminated by
// a single newline; the protocol is versionless and carries no
// backward-compatibility guarantees.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode marks a malformed inbound line. The handler answers it with
// an error response instead of closing the connection.
var ErrDecode = errors.New("malformed message")

// Request kinds sent by clients.
const (
	KindRegister       = "register"
	KindLogin          = "login"
	KindCreateGroup    = "create_group"
	KindJoinGroup      = "join_group"
	KindLeaveGroup     = "leave_group"
	KindInviteUser     = "invite_user"
	KindSendMessage    = "send_message"
	KindListGroups     = "list_groups"
	KindListUsers      = "list_users"
	KindListGroupUsers = "list_group_users"
	KindGoHome         = "go_home"
	KindPing           = "ping"
	KindQuit           = "quit"
)

// Response kinds sent by the server.
const (
	KindAuthResult      = "auth_result"
	KindOk              = "ok"
	KindError           = "error"
	KindGroupJoined     = "group_joined"
	KindGroupList       = "group_list"
	KindUserList        = "user_list"
	KindMessageReceived = "message_received"
	KindReloadMessages  = "reload_messages"
	KindPong            = "pong"
)

// Request is the envelope for client-to-server messages.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope for server-to-client messages.
type Response struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// RegisterData carries credentials for account creation.
type RegisterData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginData carries credentials for an existing account.
type LoginData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateGroupData names the group to create.
type CreateGroupData struct {
	Name string `json:"name"`
}

// JoinGroupData names the group to enter.
type JoinGroupData struct {
	GroupName string `json:"group_name"`
}

// LeaveGroupData names the group to leave permanently.
type LeaveGroupData struct {
	GroupName string `json:"group_name"`
}

// InviteUserData invites a user into a group the inviter belongs to.
type InviteUserData struct {
	Username  string `json:"username"`
	GroupName string `json:"group_name"`
}

// SendMessageData carries a chat message for a group.
type SendMessageData struct {
	Content   string `json:"content"`
	GroupName string `json:"group_name"`
}

// ListGroupUsersData names the group whose members to list.
type ListGroupUsersData struct {
	GroupName string `json:"group_name"`
}

// AuthResultData reports the outcome of register/login.
type AuthResultData struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
}

// OkData acknowledges a side-effecting request.
type OkData struct {
	Message string `json:"message"`
}

// ErrorData reports a request failure; the connection stays open.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GroupInfo identifies a group on the wire.
type GroupInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is a rendered message as delivered to clients.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupJoinedData confirms a join and replays the recent window.
type GroupJoinedData struct {
	Group          GroupInfo     `json:"group"`
	RecentMessages []ChatMessage `json:"recent_messages"`
}

// GroupListData lists the groups the requester belongs to.
type GroupListData struct {
	Groups []GroupInfo `json:"groups"`
}

// UserListData lists usernames.
type UserListData struct {
	Users []string `json:"users"`
}

// MessageReceivedData echoes a sent message back to its author together
// with the refreshed recent window.
type MessageReceivedData struct {
	Message        ChatMessage   `json:"message"`
	RecentMessages []ChatMessage `json:"recent_messages"`
}

// ReloadMessagesData is fanned out to the other live members of a group
// after one of them sends a message.
type ReloadMessagesData struct {
	RecentMessages []ChatMessage `json:"recent_messages"`
}

// DecodeRequest parses one wire line into a request envelope. Trailing
// whitespace and the line terminator are trimmed before parsing.
func DecodeRequest(line []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrDecode)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	return &req, nil
}

// EncodeResponse renders a response envelope as one newline-terminated
// wire line.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(data, '\n'), nil
}

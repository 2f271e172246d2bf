// Package store defines the persistence contract consumed by the chat
// core. Implementations must be safe for concurrent use from multiple
// connection workers; each call is atomic on its own, no cross-call
// transactions are offered.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or group name does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUsername is returned when registering an existing username.
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrNotMember is returned when an operation requires a membership
	// the user does not hold.
	ErrNotMember = errors.New("not a member of this group")
	// ErrAlreadyMember is returned when inviting a current member.
	ErrAlreadyMember = errors.New("user is already in the group")
	// ErrDeparted is returned when a user who left a group tries to
	// rejoin without an invite.
	ErrDeparted = errors.New("cannot rejoin a group you have left without an invite")
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Group is a named chat group.
type Group struct {
	ID        string
	Name      string
	CreatorID string
	CreatedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID      string
	GroupID string
	UserID  string
	Content string
	SentAt  time.Time
}

// ChatMessage is a message joined with its author's display name, the
// shape replayed to clients. Messages are immutable once created and
// re-fetched for every delivery.
type ChatMessage struct {
	ID       string
	Content  string
	Username string
	SentAt   time.Time
}

// UserStore handles account persistence.
type UserStore interface {
	// CreateUser inserts a new account with a pre-hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByUsername resolves a username to its account.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByID retrieves an account by identifier.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// ListUsernames returns every registered username, sorted.
	ListUsernames(ctx context.Context) ([]string, error)
}

// GroupStore handles groups, memberships, and departure markers.
type GroupStore interface {
	// CreateGroup creates a group and enrolls the creator as its first
	// member.
	CreateGroup(ctx context.Context, name, creatorID string) (*Group, error)

	// GetGroupByName resolves a group name to its record.
	GetGroupByName(ctx context.Context, name string) (*Group, error)

	// JoinGroup enrolls the user. It is a no-op for current members and
	// fails with ErrDeparted for users who previously left and were not
	// re-invited.
	JoinGroup(ctx context.Context, groupID, userID string) error

	// LeaveGroup removes the membership and records a departure marker
	// in the same transaction.
	LeaveGroup(ctx context.Context, groupID, userID string) error

	// InviteUser enrolls invitee on behalf of a current member, clearing
	// any departure marker. Fails with ErrNotMember if the inviter is not
	// a member and ErrAlreadyMember if the invitee already is.
	InviteUser(ctx context.Context, groupID, inviterID, inviteeID string) error

	// ListUserGroups returns the groups the user belongs to.
	ListUserGroups(ctx context.Context, userID string) ([]*Group, error)

	// ListGroupMembers returns member usernames, sorted.
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// AppendMessage persists one message. The sender must be a member of
	// the group.
	AppendMessage(ctx context.Context, groupID, userID, content string) (*Message, error)

	// RecentMessages returns at most limit messages in ascending
	// chronological order, oldest first.
	RecentMessages(ctx context.Context, groupID string, limit int) ([]ChatMessage, error)
}

// StatsStore exposes row counts for the performance monitor.
type StatsStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CountGroups(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	GroupStore
	MessageStore
	StatsStore

	// Close releases the underlying database connection.
	Close() error
}

// Package sqlite implements store.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/vforte/gruppo/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	creator_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(creator_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS group_memberships (
	id        TEXT PRIMARY KEY,
	group_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at DATETIME NOT NULL,
	FOREIGN KEY(group_id) REFERENCES groups(id),
	FOREIGN KEY(user_id) REFERENCES users(id),
	UNIQUE(group_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id       TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	content  TEXT NOT NULL,
	sent_at  DATETIME NOT NULL,
	FOREIGN KEY(group_id) REFERENCES groups(id),
	FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS group_departures (
	id       TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	left_at  DATETIME NOT NULL,
	FOREIGN KEY(group_id) REFERENCES groups(id),
	FOREIGN KEY(user_id) REFERENCES users(id),
	UNIQUE(group_id, user_id)
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// ==== UserStore implementation ====

// CreateUser inserts a new account with a pre-hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	user := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.PasswordHash, user.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// GetUserByUsername resolves a username to its account.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

// GetUserByID retrieves an account by identifier.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ListUsernames returns every registered username, sorted.
func (s *SQLiteStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		users = append(users, username)
	}

	return users, rows.Err()
}

// ==== GroupStore implementation ====

// CreateGroup creates a group and enrolls the creator as its first member.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name, creatorID string) (*store.Group, error) {
	group := &store.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO groups (id, name, creator_id, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, group.ID, group.Name, group.CreatorID, group.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("group %q already exists", name)
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}

	if err := insertMembership(ctx, tx, group.ID, creatorID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return group, nil
}

func insertMembership(ctx context.Context, tx *sql.Tx, groupID, userID string) error {
	query := `
		INSERT INTO group_memberships (id, group_id, user_id, joined_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, uuid.NewString(), groupID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// GetGroupByName resolves a group name to its record.
func (s *SQLiteStore) GetGroupByName(ctx context.Context, name string) (*store.Group, error) {
	query := `
		SELECT id, name, creator_id, created_at
		FROM groups
		WHERE name = ?
	`
	var group store.Group
	err := s.db.QueryRowContext(ctx, query, name).Scan(&group.ID, &group.Name, &group.CreatorID, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %q: %w", name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query group: %w", err)
	}

	return &group, nil
}

// JoinGroup enrolls the user unless a departure marker blocks the rejoin.
func (s *SQLiteStore) JoinGroup(ctx context.Context, groupID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	member, err := isMember(ctx, tx, groupID, userID)
	if err != nil {
		return err
	}
	if member {
		// Re-entering a group you belong to is allowed.
		return nil
	}

	var departures int64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_departures WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	).Scan(&departures)
	if err != nil {
		return fmt.Errorf("query departures: %w", err)
	}
	if departures > 0 {
		return store.ErrDeparted
	}

	if err := insertMembership(ctx, tx, groupID, userID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isMember(ctx context.Context, tx *sql.Tx, groupID, userID string) (bool, error) {
	var count int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_memberships WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return count > 0, nil
}

// LeaveGroup removes the membership and records the departure marker in
// one transaction.
func (s *SQLiteStore) LeaveGroup(ctx context.Context, groupID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM group_memberships WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotMember
	}

	// REPLACE keeps a single marker per (group, user) even after
	// repeated leave cycles.
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO group_departures (id, group_id, user_id, left_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), groupID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert departure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InviteUser enrolls invitee on behalf of a current member and clears any
// departure marker.
func (s *SQLiteStore) InviteUser(ctx context.Context, groupID, inviterID, inviteeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inviterIsMember, err := isMember(ctx, tx, groupID, inviterID)
	if err != nil {
		return err
	}
	if !inviterIsMember {
		return store.ErrNotMember
	}

	inviteeIsMember, err := isMember(ctx, tx, groupID, inviteeID)
	if err != nil {
		return err
	}
	if inviteeIsMember {
		return store.ErrAlreadyMember
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_departures WHERE group_id = ? AND user_id = ?`,
		groupID, inviteeID,
	); err != nil {
		return fmt.Errorf("delete departure: %w", err)
	}

	if err := insertMembership(ctx, tx, groupID, inviteeID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListUserGroups returns the groups the user belongs to.
func (s *SQLiteStore) ListUserGroups(ctx context.Context, userID string) ([]*store.Group, error) {
	query := `
		SELECT g.id, g.name, g.creator_id, g.created_at
		FROM groups g
		JOIN group_memberships gm ON g.id = gm.group_id
		WHERE gm.user_id = ?
		ORDER BY g.created_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []*store.Group
	for rows.Next() {
		var group store.Group
		if err := rows.Scan(&group.ID, &group.Name, &group.CreatorID, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, &group)
	}

	return groups, rows.Err()
}

// ListGroupMembers returns member usernames, sorted.
func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	query := `
		SELECT u.username
		FROM users u
		JOIN group_memberships gm ON u.id = gm.user_id
		WHERE gm.group_id = ?
		ORDER BY u.username
	`
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, username)
	}

	return members, rows.Err()
}

// ==== MessageStore implementation ====

// AppendMessage persists one message after checking sender membership.
func (s *SQLiteStore) AppendMessage(ctx context.Context, groupID, userID, content string) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	member, err := isMember(ctx, tx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, store.ErrNotMember
	}

	msg := &store.Message{
		ID:      uuid.NewString(),
		GroupID: groupID,
		UserID:  userID,
		Content: content,
		SentAt:  time.Now().UTC(),
	}

	query := `
		INSERT INTO messages (id, group_id, user_id, content, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, msg.ID, msg.GroupID, msg.UserID, msg.Content, msg.SentAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return msg, nil
}

// RecentMessages returns at most limit messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, groupID string, limit int) ([]store.ChatMessage, error) {
	// rowid breaks timestamp ties in insertion order.
	query := `
		SELECT m.id, m.content, u.username, m.sent_at
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.group_id = ?
		ORDER BY m.sent_at DESC, m.rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []store.ChatMessage
	for rows.Next() {
		var msg store.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Username, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order, oldest first.
	for i := 0; i < len(messages)/2; i++ {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}

	return messages, nil
}

// ==== StatsStore implementation ====

// CountUsers returns the number of registered accounts.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users`)
}

// CountGroups returns the number of groups.
func (s *SQLiteStore) CountGroups(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM groups`)
}

// CountMessages returns the number of persisted messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages`)
}

func (s *SQLiteStore) count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

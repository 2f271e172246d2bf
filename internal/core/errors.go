package core

import "errors"

// Protocol-level error codes carried in error responses.
const (
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeNotInGroup       = "not_in_group"
	ErrCodeAlreadyAuthed    = "already_authenticated"
	ErrCodeNotFound         = "not_found"
	ErrCodeMembership       = "membership"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeInternal         = "internal"
)

// ErrNoSession is reported by the registry when an operation targets a
// user with no live session, e.g. a set_group racing a disconnect.
var ErrNoSession = errors.New("no session for user")

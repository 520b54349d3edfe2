// Package userstore persists the identities that own conversations.
package userstore

import (
	"context"
	"time"
)

// Status captures whether a user is active or suspended.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User represents an identity that owns conversations and usage records.
type User struct {
	ID          int64
	Email       string
	DisplayName string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists users across SQLite/Postgres backends.
//
// EnsureUser creates the account on first sight of an email and returns the
// existing one afterwards; lookups return nil without error when the user is
// absent.
type Store interface {
	EnsureUser(ctx context.Context, email string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	Close() error
}

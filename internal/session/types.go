// Package session persists conversation metadata and checkpoints in
// PostgreSQL. The chat_sessions table is the listing index shown to
// users; chat_checkpoints holds the full conversation state restored at
// the start of each turn.
package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session or checkpoint does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrEmptySessionID rejects operations without a session identifier.
	ErrEmptySessionID = errors.New("session id is empty")
)

// Session is one row of the conversation listing.
type Session struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	SiteID          int64     `json:"site_id"`
	MemberID        int64     `json:"member_id,omitempty"`
	Title           string    `json:"title"`
	LastMessage     string    `json:"last_message"`
	LastMessageRole string    `json:"last_message_role"`
	MessageCount    int       `json:"message_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListOptions scopes and paginates session listings.
type ListOptions struct {
	// SiteID restricts results to one site; zero means all sites.
	SiteID int64
	// MemberID restricts results to one member; zero means all members.
	MemberID int64
	// Keyword filters on title and last message, case-insensitively.
	Keyword string
	Limit   int
	Offset  int
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catwiki/catchat/internal/agent"
	"github.com/catwiki/catchat/internal/log"
)

const (
	// titleLength bounds the auto-generated session title taken from the
	// first user message.
	titleLength = 50
	// previewLength bounds the last-message preview shown in listings.
	previewLength = 200

	defaultListLimit = 20
	maxListLimit     = 100
)

// Store persists sessions and checkpoints. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a session store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With("component", "session"),
	}
}

// Touch records an incoming user message: it creates the session row on
// first contact (titled after the message) and bumps the listing
// metadata on every later one. The title is set once and never updated.
func (s *Store) Touch(ctx context.Context, sessionID string, siteID, memberID int64, userMessage string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, site_id, member_id, title, last_message, last_message_role, message_count)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, 'user', 1)
		ON CONFLICT (session_id) DO UPDATE SET
			last_message      = EXCLUDED.last_message,
			last_message_role = 'user',
			message_count     = chat_sessions.message_count + 1,
			updated_at        = now()`,
		sessionID, siteID, memberID,
		truncateRunes(userMessage, titleLength),
		truncateRunes(userMessage, previewLength),
	)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", sessionID, err)
	}
	return nil
}

// RecordAssistant updates the listing metadata after an assistant reply.
func (s *Store) RecordAssistant(ctx context.Context, sessionID, answer string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET
			last_message      = $2,
			last_message_role = 'assistant',
			message_count     = message_count + 1,
			updated_at        = now()
		WHERE session_id = $1`,
		sessionID, truncateRunes(answer, previewLength),
	)
	if err != nil {
		return fmt.Errorf("recording assistant message for %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording assistant message for %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Get returns one session by its public identifier.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}

	row := s.pool.QueryRow(ctx, selectSessionColumns+` WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	return sess, nil
}

// List returns sessions matching opts, most recently active first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(opts.Offset, 0)

	rows, err := s.pool.Query(ctx, selectSessionColumns+`
		WHERE ($1::bigint = 0 OR site_id = $1)
		  AND ($2::bigint = 0 OR member_id = $2)
		  AND ($3::text = '' OR title ILIKE '%' || $3 || '%' OR last_message ILIKE '%' || $3 || '%')
		ORDER BY updated_at DESC
		LIMIT $4 OFFSET $5`,
		opts.SiteID, opts.MemberID, strings.TrimSpace(opts.Keyword), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes a session; the checkpoint goes with it via the foreign
// key cascade.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted session", "session_id", sessionID)
	return nil
}

// LoadState restores the conversation state checkpoint. ErrNotFound
// means the session has no checkpoint yet.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*agent.State, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM chat_checkpoints WHERE session_id = $1`, sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", sessionID, err)
	}

	var st agent.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding checkpoint for %s: %w", sessionID, err)
	}
	return &st, nil
}

// SaveState overwrites the conversation state checkpoint. The session
// row must exist (Touch runs before the turn, SaveState after).
func (s *Store) SaveState(ctx context.Context, st *agent.State) error {
	if st == nil || strings.TrimSpace(st.SessionID) == "" {
		return ErrEmptySessionID
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for %s: %w", st.SessionID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_checkpoints (session_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
			state      = EXCLUDED.state,
			updated_at = now()`,
		st.SessionID, raw,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", st.SessionID, err)
	}

	s.logger.Debug("saved checkpoint",
		"session_id", st.SessionID,
		"messages", len(st.Messages),
		"bytes", len(raw),
	)
	return nil
}

const selectSessionColumns = `
	SELECT id, session_id, site_id, COALESCE(member_id, 0), title,
	       last_message, last_message_role, message_count, created_at, updated_at
	FROM chat_sessions`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.SessionID, &sess.SiteID, &sess.MemberID, &sess.Title,
		&sess.LastMessage, &sess.LastMessageRole, &sess.MessageCount,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// truncateRunes shortens s to at most n runes, collapsing surrounding
// whitespace first.
func truncateRunes(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

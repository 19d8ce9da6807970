// Package chat orchestrates conversation turns: it restores the session
// state, runs the agent loop, and persists the outcome.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/catwiki/catchat/internal/agent"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/session"
)

// ErrEmptyMessage rejects turns without user input.
var ErrEmptyMessage = errors.New("message is empty")

// TurnRunner executes one conversation turn over the given state.
type TurnRunner interface {
	Run(ctx context.Context, st *agent.State, emit agent.EmitFunc) error
}

// StateStore persists session metadata and conversation checkpoints.
type StateStore interface {
	Touch(ctx context.Context, sessionID string, siteID, memberID int64, userMessage string) error
	RecordAssistant(ctx context.Context, sessionID, answer string) error
	LoadState(ctx context.Context, sessionID string) (*agent.State, error)
	SaveState(ctx context.Context, st *agent.State) error
}

// Request is one user turn.
type Request struct {
	// SessionID resumes an existing conversation; empty starts a new one.
	SessionID string
	SiteID    int64
	MemberID  int64
	Message   string
}

// Result is the completed turn.
type Result struct {
	SessionID string
	Answer    string
	Citations []agent.Citation
}

// Service runs conversation turns.
type Service struct {
	runner TurnRunner
	store  StateStore
	logger log.Logger

	persisting sync.WaitGroup
}

// NewService creates the turn orchestrator.
func NewService(runner TurnRunner, store StateStore, logger log.Logger) *Service {
	return &Service{
		runner: runner,
		store:  store,
		logger: logger.With("component", "chat"),
	}
}

// Respond executes one turn: restore or create the session, run the
// loop, persist the outcome. Streaming events flow through emit when it
// is non-nil.
//
// Restoring the state and registering the session row are fatal when
// they fail: answering on a half-restored conversation would silently
// drop history. Persisting the finished turn is best-effort and runs in
// the background; the answer is already produced, the caller must not
// wait on the durable write, and losing the checkpoint only costs
// continuity.
func (s *Service) Respond(ctx context.Context, req Request, emit agent.EmitFunc) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	st, err := s.store.LoadState(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		st = agent.NewState(sessionID, req.SiteID, req.MemberID)
	case err != nil:
		return nil, fmt.Errorf("restoring session %s: %w", sessionID, err)
	}

	if err := s.store.Touch(ctx, sessionID, req.SiteID, req.MemberID, req.Message); err != nil {
		return nil, fmt.Errorf("registering session %s: %w", sessionID, err)
	}

	st.BeginTurn(req.Message)

	if err := s.runner.Run(ctx, st, emit); err != nil {
		return nil, fmt.Errorf("running turn for session %s: %w", sessionID, err)
	}

	result := &Result{
		SessionID: sessionID,
		Answer:    st.LastAssistantText(),
		Citations: agent.ExtractCitations(st.Messages, true),
	}

	s.persisting.Add(1)
	go func() {
		defer s.persisting.Done()
		s.persist(ctx, st, result.Answer)
	}()
	return result, nil
}

// Wait blocks until every background persistence write has finished.
// Called on shutdown so in-flight checkpoints are not lost.
func (s *Service) Wait() {
	s.persisting.Wait()
}

// persist checkpoints the state and updates the listing metadata. It
// survives client disconnects and runs after the result is handed back:
// the turn already happened, so the snapshot is written even when the
// request context is gone, and the response stream never waits on it.
func (s *Service) persist(ctx context.Context, st *agent.State, answer string) {
	ctx = context.WithoutCancel(ctx)

	if err := s.store.SaveState(ctx, st); err != nil {
		s.logger.Error("failed to checkpoint session",
			"session_id", st.SessionID, "error", err)
	}
	if err := s.store.RecordAssistant(ctx, st.SessionID, answer); err != nil {
		s.logger.Error("failed to update session metadata",
			"session_id", st.SessionID, "error", err)
	}
}

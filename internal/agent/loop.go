package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/catwiki/catchat/internal/log"
)

// Generator abstracts the model call for testability.
type Generator interface {
	Generate(ctx context.Context, opts ...ai.GenerateOption) (*ai.ModelResponse, error)
}

// GenkitGenerator is the production Generator backed by a Genkit instance.
type GenkitGenerator struct {
	G *genkit.Genkit
}

// Generate implements Generator.
func (g GenkitGenerator) Generate(ctx context.Context, opts ...ai.GenerateOption) (*ai.ModelResponse, error) {
	return genkit.Generate(ctx, g.G, opts...)
}

// Config bounds the conversation loop.
type Config struct {
	ModelName   string
	Temperature float32
	MaxTokens   int

	// MaxIterations caps tool-execution rounds per turn.
	MaxIterations int
	// MaxConsecutiveEmpty caps successive searches without results.
	MaxConsecutiveEmpty int

	// SummaryTriggerCount is the meaningful-message count above which the
	// history is compacted; KeepLastMessages survive compaction verbatim.
	SummaryTriggerCount int
	KeepLastMessages    int
}

// Loop drives one conversation turn: the model decides, the loop executes
// tool calls under iteration and empty-result breakers, and the turn ends
// with a final assistant message. The model never executes tools itself.
type Loop struct {
	gen      Generator
	search   *SearchTool
	toolRefs []ai.ToolRef
	cfg      Config
	retry    RetryConfig
	limiter  *rate.Limiter
	logger   log.Logger
}

// NewLoop creates a conversation loop. tool must be the registered search
// tool reference so the model sees its schema.
func NewLoop(gen Generator, search *SearchTool, tool ai.ToolRef, cfg Config, logger log.Logger) (*Loop, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if search == nil {
		return nil, errors.New("search tool is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.MaxIterations < 1 || cfg.MaxConsecutiveEmpty < 1 {
		return nil, fmt.Errorf("loop limits must be positive: iterations=%d empty=%d",
			cfg.MaxIterations, cfg.MaxConsecutiveEmpty)
	}

	return &Loop{
		gen:      gen,
		search:   search,
		toolRefs: []ai.ToolRef{tool},
		cfg:      cfg,
		retry:    DefaultRetryConfig(),
		// Genkit has no client-side throttle; one permit per 100ms keeps a
		// runaway loop from burning provider quota.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger.With("component", "agent"),
	}, nil
}

// Run executes one turn to completion. st must already contain the user
// message (State.BeginTurn). Events are emitted through emit when it is
// non-nil. On error the state keeps the messages accumulated so far.
func (l *Loop) Run(ctx context.Context, st *State, emit EmitFunc) error {
	// Hard ceiling on decide/execute rounds. The breakers stop tool
	// execution, but a model that keeps requesting tools after a forced
	// stop would otherwise spin forever.
	maxRounds := l.cfg.MaxIterations + 3

	for round := 0; ; round++ {
		if round >= maxRounds {
			return fmt.Errorf("conversation loop did not converge after %d rounds", round)
		}

		resp, err := l.decide(ctx, st, emit)
		if err != nil {
			return err
		}
		if resp.Message == nil {
			return errors.New("model returned no message")
		}

		st.Messages = append(st.Messages, resp.Message)

		reqs := toolRequests(resp.Message)
		if len(reqs) == 0 {
			break
		}
		if err := l.executeTools(ctx, st, reqs, emit); err != nil {
			return err
		}
	}

	if strings.TrimSpace(st.LastAssistantText()) == "" {
		st.Messages = append(st.Messages, ai.NewModelMessage(ai.NewTextPart(fallbackAnswer)))
	}

	if l.shouldCompact(st) {
		l.compact(ctx, st)
	}
	return nil
}

// decide asks the model for the next step. The system turn is rebuilt
// from the base prompt and the running summary on every call; it is never
// stored in the state.
func (l *Loop) decide(ctx context.Context, st *State, emit EmitFunc) (*ai.ModelResponse, error) {
	messages := make([]*ai.Message, 0, len(st.Messages)+1)
	messages = append(messages, ai.NewMessage(ai.RoleSystem, nil,
		ai.NewTextPart(systemPrompt(st.Summary))))
	messages = append(messages, deepCopyMessages(st.Messages)...)

	opts := []ai.GenerateOption{
		ai.WithModelName(l.cfg.ModelName),
		ai.WithMessages(messages...),
		ai.WithTools(l.toolRefs...),
		ai.WithReturnToolRequests(true),
		ai.WithConfig(map[string]any{
			"temperature":     l.cfg.Temperature,
			"maxOutputTokens": l.cfg.MaxTokens,
		}),
	}
	if emit != nil {
		opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			return emit(Event{Chunk: chunk})
		}))
	}

	resp, err := l.generateWithRetry(withState(ctx, st), opts)
	if err != nil {
		return nil, fmt.Errorf("deciding next step: %w", err)
	}
	return resp, nil
}

// executeTools answers every pending tool call. Once a breaker has
// tripped (iteration cap, consecutive empty searches, or a dead context)
// no tool runs; each pending call still receives a result so the
// conversation never holds an unanswered call.
func (l *Loop) executeTools(ctx context.Context, st *State, reqs []*ai.ToolRequest, emit EmitFunc) error {
	stopped := st.IterationCount >= l.cfg.MaxIterations ||
		st.ConsecutiveEmpty >= l.cfg.MaxConsecutiveEmpty ||
		ctx.Err() != nil

	if stopped {
		l.logger.Info("forcing loop stop",
			"session_id", st.SessionID,
			"iterations", st.IterationCount,
			"consecutive_empty", st.ConsecutiveEmpty,
			"pending_calls", len(reqs),
		)
		for _, req := range reqs {
			st.Messages = append(st.Messages, toolResponseMessage(req, forceStopOutput))
		}
		// A forced stop counts as an iteration; the empty counter is left
		// as-is so the state records why the breaker tripped.
		st.IterationCount++
		return nil
	}

	executed := false
	lastEmpty := false
	for _, req := range reqs {
		if ctx.Err() != nil {
			// Deadline hit mid-round: remaining calls get the stop output.
			st.Messages = append(st.Messages, toolResponseMessage(req, forceStopOutput))
			continue
		}

		if emit != nil {
			if err := emit(Event{Tool: req.Name}); err != nil {
				return fmt.Errorf("emitting tool event: %w", err)
			}
		}

		var output string
		if req.Name == SearchToolName {
			output = l.search.Run(ctx, st, queryFromInput(req.Input))
		} else {
			l.logger.Warn("model requested unknown tool", "tool", req.Name)
			output = "unknown tool: " + req.Name
		}

		st.Messages = append(st.Messages, toolResponseMessage(req, output))
		executed = true
		lastEmpty = isEmptyResult(output)
	}

	st.IterationCount++
	// Only the last executed result drives the empty counter: an early hit
	// in the round does not excuse a trailing miss. A round that produced
	// nothing but stop placeholders leaves the counter untouched.
	if executed {
		if lastEmpty {
			st.ConsecutiveEmpty++
		} else {
			st.ConsecutiveEmpty = 0
		}
	}
	return nil
}

// queryFromInput extracts the query argument from a tool call input.
func queryFromInput(input any) string {
	switch v := input.(type) {
	case map[string]any:
		if q, ok := v["query"].(string); ok {
			return q
		}
	case string:
		var parsed searchInput
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed.Query
		}
		return v
	}
	return ""
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/catwiki/catchat/internal/agent"
	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/log"
)

const maxRequestBody = 1 << 20 // 1MB

// Responder runs one conversation turn.
type Responder interface {
	Respond(ctx context.Context, req chat.Request, emit agent.EmitFunc) (*chat.Result, error)
}

// ChatCompletionRequest is the OpenAI-compatible request body, extended
// with session and scope fields.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	// SessionID resumes a conversation; empty starts a new one.
	SessionID string `json:"session_id,omitempty"`
	SiteID    int64  `json:"site_id,omitempty"`
	MemberID  int64  `json:"member_id,omitempty"`
}

// ChatMessage is one OpenAI-style message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatDelta is the incremental payload of a streaming chunk.
type ChatDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one incremental tool-call fragment, indexed so
// clients can stitch fragments of the same call back together.
type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function ToolFunctionDelta `json:"function"`
}

// ToolFunctionDelta carries the function name and argument fragment of
// a streamed tool call.
type ToolFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Choice carries either a full message (non-streaming) or a delta.
type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming completion object. The
// session id and the cited sources ride along as extensions.
type ChatCompletionResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	Created   int64            `json:"created"`
	Model     string           `json:"model"`
	Choices   []Choice         `json:"choices"`
	SessionID string           `json:"session_id"`
	Sources   []agent.Citation `json:"sources,omitempty"`
}

// chatChunk is one streaming frame of a completion.
type chatChunk struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	Model     string   `json:"model"`
	Choices   []Choice `json:"choices"`
	SessionID string   `json:"session_id"`
}

// statusFrame announces loop activity that has no OpenAI equivalent,
// such as a running tool call.
type statusFrame struct {
	Status string `json:"status"`
	Tool   string `json:"tool,omitempty"`
}

// sourcesFrame delivers the citation list once the turn completes.
type sourcesFrame struct {
	Sources   []agent.Citation `json:"sources"`
	SessionID string           `json:"session_id"`
}

type chatHandler struct {
	responder Responder
	logger    log.Logger
}

// completions implements POST /v1/chat/completions.
func (h *chatHandler) completions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	question := lastUserMessage(req.Messages)
	if question == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "no user message in request", h.logger)
		return
	}

	turn := chat.Request{
		SessionID: req.SessionID,
		SiteID:    req.SiteID,
		MemberID:  req.MemberID,
		Message:   question,
	}

	if req.Stream {
		h.stream(w, r, req.Model, turn)
		return
	}
	h.complete(w, r, req.Model, turn)
}

func (h *chatHandler) complete(w http.ResponseWriter, r *http.Request, model string, turn chat.Request) {
	res, err := h.responder.Respond(r.Context(), turn, nil)
	if err != nil {
		h.logger.Error("completion failed", "error", err,
			"request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "completion_failed",
			"failed to produce a completion", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      &ChatMessage{Role: "assistant", Content: res.Answer},
			FinishReason: ptr("stop"),
		}},
		SessionID: res.SessionID,
		Sources:   res.Citations,
	}, h.logger)
}

// stream translates loop events into OpenAI-style SSE chunks. Every
// stream ends with a stop chunk and a [DONE] marker, including error
// paths: clients that only understand the OpenAI framing still
// terminate cleanly.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request, model string, turn chat.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported",
			"streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := completionID()
	created := time.Now().Unix()

	chunk := func(delta ChatDelta, finish *string) chatChunk {
		return chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []Choice{{Delta: &delta, FinishReason: finish}},
		}
	}

	// Announce the assistant role before any content, as OpenAI does.
	if err := writeSSE(w, flusher, chunk(ChatDelta{Role: "assistant"}, nil)); err != nil {
		return
	}

	toolCalls := 0
	emit := func(ev agent.Event) error {
		if ev.Tool != "" {
			return writeSSE(w, flusher, statusFrame{Status: "tool_calling", Tool: ev.Tool})
		}
		if ev.Chunk == nil {
			return nil
		}
		for _, part := range ev.Chunk.Content {
			if !part.IsToolRequest() || part.ToolRequest == nil {
				continue
			}
			delta := ChatDelta{ToolCalls: []ToolCallDelta{toolCallDelta(toolCalls, part.ToolRequest)}}
			if err := writeSSE(w, flusher, chunk(delta, nil)); err != nil {
				return err
			}
			toolCalls++
		}
		if text := ev.Chunk.Text(); text != "" {
			return writeSSE(w, flusher, chunk(ChatDelta{Content: text}, nil))
		}
		return nil
	}

	res, err := h.responder.Respond(r.Context(), turn, emit)
	if err != nil {
		h.logger.Error("streaming completion failed", "error", err,
			"request_id", requestIDFromContext(r.Context()))
		// Surface the failure in-band; headers are long gone.
		_ = writeSSE(w, flusher, chunk(
			ChatDelta{Content: "\n\n[System Error: failed to produce a completion]"}, nil))
		_ = writeSSE(w, flusher, chunk(ChatDelta{}, ptr("stop")))
		writeDone(w, flusher)
		return
	}

	if len(res.Citations) > 0 {
		_ = writeSSE(w, flusher, sourcesFrame{Sources: res.Citations, SessionID: res.SessionID})
	}

	final := chunk(ChatDelta{}, ptr("stop"))
	final.SessionID = res.SessionID
	_ = writeSSE(w, flusher, final)
	writeDone(w, flusher)
}

// lastUserMessage returns the content of the most recent user message.
func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// toolCallDelta converts one streamed tool-request fragment into its
// OpenAI wire form. The arguments ride along as a JSON string.
func toolCallDelta(index int, req *ai.ToolRequest) ToolCallDelta {
	args := ""
	if req.Input != nil {
		if raw, err := json.Marshal(req.Input); err == nil {
			args = string(raw)
		}
	}
	return ToolCallDelta{
		Index: index,
		ID:    req.Ref,
		Type:  "function",
		Function: ToolFunctionDelta{
			Name:      req.Name,
			Arguments: args,
		},
	}
}

// writeSSE sends one data frame and flushes it out immediately.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return fmt.Errorf("writing sse frame: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func ptr[T any](v T) *T { return &v }

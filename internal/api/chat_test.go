package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"go.uber.org/goleak"

	"github.com/catwiki/catchat/internal/agent"
	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResponder replays scripted events through emit, then returns its
// result.
type fakeResponder struct {
	events []agent.Event
	result *chat.Result
	err    error

	requests []chat.Request
}

func (f *fakeResponder) Respond(_ context.Context, req chat.Request, emit agent.EmitFunc) (*chat.Result, error) {
	f.requests = append(f.requests, req)
	if emit != nil {
		for _, ev := range f.events {
			if err := emit(ev); err != nil {
				return nil, err
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func textChunk(text string) agent.Event {
	return agent.Event{Chunk: &ai.ModelResponseChunk{Content: []*ai.Part{ai.NewTextPart(text)}}}
}

type fakeDirectory struct {
	sessions []*session.Session
	deleted  []string
	err      error
}

func (f *fakeDirectory) List(context.Context, session.ListOptions) ([]*session.Session, error) {
	return f.sessions, f.err
}

func (f *fakeDirectory) Get(_ context.Context, id string) (*session.Session, error) {
	for _, s := range f.sessions {
		if s.SessionID == id {
			return s, nil
		}
	}
	return nil, session.ErrNotFound
}

func (f *fakeDirectory) Delete(_ context.Context, id string) error {
	for _, s := range f.sessions {
		if s.SessionID == id {
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return session.ErrNotFound
}

type fakeHistorian struct {
	messages map[string][]chat.Message
}

func (f *fakeHistorian) History(_ context.Context, id string) ([]chat.Message, error) {
	msgs, ok := f.messages[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return msgs, nil
}

func newTestServer(t *testing.T, responder Responder) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Responder: responder,
		Directory: &fakeDirectory{},
		Historian: &fakeHistorian{},
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func postCompletions(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCompletions(t *testing.T) {
	t.Run("non-streaming", func(t *testing.T) {
		responder := &fakeResponder{result: &chat.Result{
			SessionID: "sess-1",
			Answer:    "The deployment uses a pipeline. [1]",
			Citations: []agent.Citation{{ID: "1", DocumentID: 1, Title: "Deploy", SourceIndex: 1}},
		}}
		srv := newTestServer(t, responder)

		rec := postCompletions(t, srv, `{
			"model": "catchat",
			"messages": [
				{"role": "system", "content": "be brief"},
				{"role": "user", "content": "how do I deploy?"}
			],
			"session_id": "sess-1",
			"site_id": 7
		}`)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		var resp ChatCompletionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Object != "chat.completion" {
			t.Errorf("object = %q", resp.Object)
		}
		if !strings.HasPrefix(resp.ID, "chatcmpl-") {
			t.Errorf("id = %q", resp.ID)
		}
		if len(resp.Choices) != 1 || resp.Choices[0].Message == nil {
			t.Fatalf("choices = %+v", resp.Choices)
		}
		if resp.Choices[0].Message.Content != "The deployment uses a pipeline. [1]" {
			t.Errorf("content = %q", resp.Choices[0].Message.Content)
		}
		if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
			t.Errorf("finish_reason = %v", resp.Choices[0].FinishReason)
		}
		if resp.SessionID != "sess-1" || len(resp.Sources) != 1 {
			t.Errorf("session_id = %q, sources = %d", resp.SessionID, len(resp.Sources))
		}

		// Scope fields reach the turn request.
		turn := responder.requests[0]
		if turn.SiteID != 7 || turn.Message != "how do I deploy?" {
			t.Errorf("turn = %+v", turn)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		srv := newTestServer(t, &fakeResponder{})
		rec := postCompletions(t, srv, `{not json`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("no user message", func(t *testing.T) {
		srv := newTestServer(t, &fakeResponder{})
		rec := postCompletions(t, srv, `{"model":"catchat","messages":[{"role":"system","content":"x"}]}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("turn failure", func(t *testing.T) {
		srv := newTestServer(t, &fakeResponder{err: errors.New("model offline")})
		rec := postCompletions(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d", rec.Code)
		}
		var env errorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Error.Code != "completion_failed" {
			t.Errorf("code = %q", env.Error.Code)
		}
	})
}

// sseFrames splits an SSE body into its data payloads.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("unexpected SSE block: %q", block)
		}
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

func TestCompletionsStreaming(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		responder := &fakeResponder{
			events: []agent.Event{
				{Tool: agent.SearchToolName},
				textChunk("The answer"),
				textChunk(" is 42. [1]"),
			},
			result: &chat.Result{
				SessionID: "sess-1",
				Answer:    "The answer is 42. [1]",
				Citations: []agent.Citation{{ID: "1", DocumentID: 1, SourceIndex: 1}},
			},
		}
		srv := newTestServer(t, responder)

		rec := postCompletions(t, srv, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("content type = %q", ct)
		}

		frames := sseFrames(t, rec.Body.String())
		if frames[len(frames)-1] != "[DONE]" {
			t.Fatalf("last frame = %q, want [DONE]", frames[len(frames)-1])
		}

		var (
			content    strings.Builder
			sawRole    bool
			sawTool    bool
			sawSources bool
			sawStop    bool
		)
		for _, frame := range frames[:len(frames)-1] {
			var status statusFrame
			if err := json.Unmarshal([]byte(frame), &status); err == nil && status.Status != "" {
				if status.Status == "tool_calling" && status.Tool == agent.SearchToolName {
					sawTool = true
				}
				continue
			}

			var sources sourcesFrame
			if err := json.Unmarshal([]byte(frame), &sources); err == nil && sources.Sources != nil {
				sawSources = len(sources.Sources) == 1
				continue
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
				t.Fatalf("bad chunk %q: %v", frame, err)
			}
			if chunk.Object != "chat.completion.chunk" || len(chunk.Choices) != 1 {
				t.Fatalf("chunk = %+v", chunk)
			}
			delta := chunk.Choices[0].Delta
			if delta.Role == "assistant" {
				sawRole = true
			}
			content.WriteString(delta.Content)
			if fr := chunk.Choices[0].FinishReason; fr != nil && *fr == "stop" {
				sawStop = true
				if chunk.SessionID != "sess-1" {
					t.Errorf("final chunk session_id = %q", chunk.SessionID)
				}
			}
		}

		if !sawRole || !sawTool || !sawSources || !sawStop {
			t.Errorf("frames missing: role=%v tool=%v sources=%v stop=%v",
				sawRole, sawTool, sawSources, sawStop)
		}
		if content.String() != "The answer is 42. [1]" {
			t.Errorf("streamed content = %q", content.String())
		}
	})

	t.Run("tool-call fragments become tool_calls deltas", func(t *testing.T) {
		responder := &fakeResponder{
			events: []agent.Event{
				{Chunk: &ai.ModelResponseChunk{Content: []*ai.Part{{
					Kind: ai.PartToolRequest,
					ToolRequest: &ai.ToolRequest{
						Ref:   "call-0",
						Name:  agent.SearchToolName,
						Input: map[string]any{"query": "deploy steps"},
					},
				}}}},
				textChunk("done"),
			},
			result: &chat.Result{SessionID: "sess-1", Answer: "done"},
		}
		srv := newTestServer(t, responder)

		rec := postCompletions(t, srv, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

		var calls []ToolCallDelta
		for _, frame := range sseFrames(t, rec.Body.String()) {
			if frame == "[DONE]" {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 1 && chunk.Choices[0].Delta != nil {
				calls = append(calls, chunk.Choices[0].Delta.ToolCalls...)
			}
		}
		if len(calls) != 1 {
			t.Fatalf("tool-call deltas = %d, want 1", len(calls))
		}
		call := calls[0]
		if call.Index != 0 || call.ID != "call-0" || call.Type != "function" {
			t.Errorf("call = %+v", call)
		}
		if call.Function.Name != agent.SearchToolName {
			t.Errorf("function name = %q", call.Function.Name)
		}
		if !strings.Contains(call.Function.Arguments, "deploy steps") {
			t.Errorf("arguments = %q", call.Function.Arguments)
		}
	})

	t.Run("no sources frame without citations", func(t *testing.T) {
		responder := &fakeResponder{
			events: []agent.Event{textChunk("plain answer")},
			result: &chat.Result{SessionID: "sess-1", Answer: "plain answer"},
		}
		srv := newTestServer(t, responder)

		rec := postCompletions(t, srv, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

		body := rec.Body.String()
		if strings.Contains(body, `"sources"`) {
			t.Errorf("zero-citation stream must not carry a sources frame:\n%s", body)
		}
		frames := sseFrames(t, body)
		if frames[len(frames)-1] != "[DONE]" {
			t.Errorf("last frame = %q", frames[len(frames)-1])
		}
	})

	t.Run("error still terminates the stream", func(t *testing.T) {
		responder := &fakeResponder{
			events: []agent.Event{textChunk("partial")},
			err:    errors.New("model offline"),
		}
		srv := newTestServer(t, responder)

		rec := postCompletions(t, srv, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

		frames := sseFrames(t, rec.Body.String())
		if frames[len(frames)-1] != "[DONE]" {
			t.Fatalf("last frame = %q, want [DONE]", frames[len(frames)-1])
		}

		body := rec.Body.String()
		if !strings.Contains(body, "[System Error:") {
			t.Error("error stream missing the in-band error marker")
		}
		if !strings.Contains(body, `"finish_reason":"stop"`) {
			t.Error("error stream missing the stop chunk")
		}
	})
}

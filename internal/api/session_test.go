package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/session"
)

func newSessionServer(t *testing.T, dir *fakeDirectory, hist *fakeHistorian) *Server {
	t.Helper()
	if hist == nil {
		hist = &fakeHistorian{}
	}
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Responder: &fakeResponder{},
		Directory: dir,
		Historian: hist,
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doRequest(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSessionEndpoints(t *testing.T) {
	dir := &fakeDirectory{sessions: []*session.Session{
		{SessionID: "sess-1", SiteID: 1, Title: "deployment question", MessageCount: 4},
		{SessionID: "sess-2", SiteID: 2, Title: "billing question", MessageCount: 2},
	}}
	hist := &fakeHistorian{messages: map[string][]chat.Message{
		"sess-1": {
			{Role: "user", Content: "how do I deploy?"},
			{Role: "assistant", Content: "run the pipeline [1]"},
		},
	}}
	srv := newSessionServer(t, dir, hist)

	t.Run("list", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions?site_id=1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Sessions []*session.Session `json:"sessions"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(body.Sessions) != 2 {
			t.Errorf("sessions = %d", len(body.Sessions))
		}
	})

	t.Run("list is never null", func(t *testing.T) {
		srv := newSessionServer(t, &fakeDirectory{}, nil)
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions")
		if got := rec.Body.String(); !json.Valid([]byte(got)) ||
			!jsonHasKey(t, got, "sessions") {
			t.Errorf("body = %s", got)
		}
		var body map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body["sessions"] == nil {
			t.Error("sessions must be an empty array, not null")
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/sess-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var sess session.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if sess.Title != "deployment question" {
			t.Errorf("title = %q", sess.Title)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/nope")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("messages", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/sess-1/messages")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Messages []chat.Message `json:"messages"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[1].Role != "assistant" {
			t.Errorf("messages = %+v", body.Messages)
		}
	})

	t.Run("messages missing session", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/nope/messages")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := doRequest(srv, http.MethodDelete, "/api/v1/sessions/sess-2")
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
		if len(dir.deleted) != 1 || dir.deleted[0] != "sess-2" {
			t.Errorf("deleted = %v", dir.deleted)
		}

		rec = doRequest(srv, http.MethodDelete, "/api/v1/sessions/nope")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func jsonHasKey(t *testing.T, raw, key string) bool {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func TestQueryInt64(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"", 0},
		{"42", 42},
		{"-1", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		if got := queryInt64(tt.raw); got != tt.want {
			t.Errorf("queryInt64(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

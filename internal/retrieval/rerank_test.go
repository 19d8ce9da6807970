package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catwiki/catchat/internal/log"
)

type stubConfigSource struct {
	cfg RerankConfig
	err error
}

func (s *stubConfigSource) RerankConfig(context.Context) (RerankConfig, error) {
	return s.cfg, s.err
}

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{
			Content:       "chunk",
			DocumentID:    int64(i + 1),
			Score:         1.0 - float64(i)*0.1,
			OriginalScore: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

func TestRerankerEnabled(t *testing.T) {
	tests := []struct {
		name   string
		source ConfigSource
		want   bool
	}{
		{"configured", &stubConfigSource{cfg: RerankConfig{BaseURL: "http://r", Model: "m"}}, true},
		{"missing model", &stubConfigSource{cfg: RerankConfig{BaseURL: "http://r"}}, false},
		{"empty config", &stubConfigSource{}, false},
		{"source error", &stubConfigSource{err: errors.New("db down")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReranker(tt.source, log.NewNop())
			if got := r.Enabled(context.Background()); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRerankRemapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if r.URL.Path != "/rerank" {
			t.Errorf("path = %q, want /rerank", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		if len(req.Documents) != 6 || req.TopN != 2 {
			t.Errorf("documents=%d top_n=%d", len(req.Documents), req.TopN)
		}
		// Reverse the vector order: last candidate is most relevant.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 5, "relevance_score": 0.97},
				{"index": 0, "relevance_score": 0.42},
			},
		})
	}))
	defer srv.Close()

	source := &stubConfigSource{cfg: RerankConfig{BaseURL: srv.URL, APIKey: "secret", Model: "rerank-v2"}}
	r := NewReranker(source, log.NewNop())

	got := r.Rerank(context.Background(), "query", candidates(6), 2)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].DocumentID != 6 || got[0].Score != 0.97 {
		t.Errorf("first = %+v", got[0])
	}
	// Vector similarity survives in OriginalScore.
	if got[0].OriginalScore != 0.5 {
		t.Errorf("original score = %v, want 0.5", got[0].OriginalScore)
	}
	if got[1].DocumentID != 1 || got[1].Score != 0.42 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestRerankAcceptsScoreField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 1, "score": 0.88}},
		})
	}))
	defer srv.Close()

	source := &stubConfigSource{cfg: RerankConfig{BaseURL: srv.URL, Model: "m"}}
	r := NewReranker(source, log.NewNop())

	got := r.Rerank(context.Background(), "q", candidates(3), 1)
	if len(got) != 1 || got[0].Score != 0.88 {
		t.Errorf("got %+v", got)
	}
}

func TestRerankFailsOpen(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	unreachable := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	unreachable.Close() // connection refused from here on

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer malformed.Close()

	badIndex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 99, "relevance_score": 0.9}},
		})
	}))
	defer badIndex.Close()

	tests := []struct {
		name    string
		baseURL string
	}{
		{"http error status", failing.URL},
		{"connection refused", unreachable.URL},
		{"malformed body", malformed.URL},
		{"index out of range", badIndex.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &stubConfigSource{cfg: RerankConfig{BaseURL: tt.baseURL, Model: "m"}}
			r := NewReranker(source, log.NewNop())

			input := candidates(8)
			got := r.Rerank(context.Background(), "q", input, 5)
			if len(got) != 5 {
				t.Fatalf("got %d candidates, want 5", len(got))
			}
			// Fallback keeps the first topN in unchanged vector order.
			for i, c := range got {
				if c.DocumentID != input[i].DocumentID || c.Score != input[i].Score {
					t.Errorf("candidate %d changed: %+v", i, c)
				}
			}
		})
	}
}

package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/catwiki/catchat/internal/log"
)

func TestSearchToolLabelsResults(t *testing.T) {
	ctx := context.Background()

	t.Run("first search starts at index one", func(t *testing.T) {
		ret := &fakeRetriever{candidates: someCandidates(3)}
		tool := NewSearchTool(ret, 5, log.NewNop())

		st := NewState("s1", 7, 0)
		st.BeginTurn("question")

		out := tool.Run(ctx, st, "question")

		var items []searchResultItem
		if err := json.Unmarshal([]byte(out), &items); err != nil {
			t.Fatalf("output is not a JSON array: %v\n%s", err, out)
		}
		if len(items) != 3 {
			t.Fatalf("got %d items, want 3", len(items))
		}
		for i, item := range items {
			if item.SourceIndex != i+1 {
				t.Errorf("item %d source_index = %d, want %d", i, item.SourceIndex, i+1)
			}
			if item.Metadata["source_index"] != float64(i+1) {
				t.Errorf("metadata source_index = %v", item.Metadata["source_index"])
			}
		}
	})

	t.Run("second search continues numbering", func(t *testing.T) {
		ret := &fakeRetriever{candidates: someCandidates(2)}
		tool := NewSearchTool(ret, 5, log.NewNop())

		st := NewState("s1", 0, 0)
		st.BeginTurn("question")

		first := tool.Run(ctx, st, "question")
		st.Messages = append(st.Messages, toolResponseMessage(reqFor("question"), first))

		second := tool.Run(ctx, st, "followup terms")

		var items []searchResultItem
		if err := json.Unmarshal([]byte(second), &items); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if items[0].SourceIndex != 3 || items[1].SourceIndex != 4 {
			t.Errorf("source indexes = %d,%d, want 3,4", items[0].SourceIndex, items[1].SourceIndex)
		}
	})

	t.Run("numbering restarts each turn", func(t *testing.T) {
		ret := &fakeRetriever{candidates: someCandidates(1)}
		tool := NewSearchTool(ret, 5, log.NewNop())

		st := NewState("s1", 0, 0)
		st.BeginTurn("first question")
		st.Messages = append(st.Messages,
			toolResponseMessage(reqFor("first question"), tool.Run(ctx, st, "first question")))

		// New user turn: offset resets.
		st.BeginTurn("second question")
		out := tool.Run(ctx, st, "second question")

		var items []searchResultItem
		if err := json.Unmarshal([]byte(out), &items); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if items[0].SourceIndex != 1 {
			t.Errorf("source_index = %d, want 1 in a fresh turn", items[0].SourceIndex)
		}
	})

	t.Run("no results returns sentinel", func(t *testing.T) {
		tool := NewSearchTool(&fakeRetriever{}, 5, log.NewNop())
		st := NewState("s1", 0, 0)

		if out := tool.Run(ctx, st, "anything"); out != noResultsOutput {
			t.Errorf("output = %q, want sentinel", out)
		}
	})

	t.Run("blank query returns sentinel without searching", func(t *testing.T) {
		ret := &fakeRetriever{candidates: someCandidates(1)}
		tool := NewSearchTool(ret, 5, log.NewNop())
		st := NewState("s1", 0, 0)

		if out := tool.Run(ctx, st, "  "); out != noResultsOutput {
			t.Errorf("output = %q", out)
		}
		if len(ret.queries) != 0 {
			t.Error("retriever should not be called for a blank query")
		}
	})
}

func reqFor(query string) *ai.ToolRequest {
	return &ai.ToolRequest{Name: SearchToolName, Input: map[string]any{"query": query}}
}

func TestIsEmptyResult(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{noResultsOutput, true},
		{"[]", true},
		{`[{"source_index":1}]`, false},
		{"knowledge base search failed: boom", false},
		{forceStopOutput, false},
	}
	for _, tt := range tests {
		if got := isEmptyResult(tt.output); got != tt.want {
			t.Errorf("isEmptyResult(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestQueryFromInput(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"map input", map[string]any{"query": "hello"}, "hello"},
		{"json string", `{"query":"hello"}`, "hello"},
		{"plain string", "hello", "hello"},
		{"missing key", map[string]any{"q": "hello"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := queryFromInput(tt.input); got != tt.want {
				t.Errorf("queryFromInput(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

package agent

import (
	"context"
	"reflect"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/retrieval"
)

// buildTurn produces a message log with one user turn followed by search
// results for the given candidate batches.
func buildTurn(t *testing.T, question string, batches ...[]retrieval.Candidate) *State {
	t.Helper()
	st := NewState("s1", 1, 0)
	st.BeginTurn(question)

	for _, batch := range batches {
		tool := NewSearchTool(&fakeRetriever{candidates: batch}, 10, log.NewNop())
		out := tool.Run(context.Background(), st, question)
		st.Messages = append(st.Messages, toolResponseMessage(reqFor(question), out))
	}
	return st
}

func TestExtractCitations(t *testing.T) {
	t.Run("two calls produce ordered continuous citations", func(t *testing.T) {
		st := buildTurn(t, "question", someCandidates(2), someCandidates(5))

		got := ExtractCitations(st.Messages, true)

		// Second batch repeats document ids 1-5; ids 1 and 2 keep their
		// first occurrence, 3-5 are new at indexes 5-7.
		wantIndexes := []int{1, 2, 5, 6, 7}
		if len(got) != len(wantIndexes) {
			t.Fatalf("got %d citations, want %d: %+v", len(got), len(wantIndexes), got)
		}
		for i, c := range got {
			if c.SourceIndex != wantIndexes[i] {
				t.Errorf("citation %d source_index = %d, want %d", i, c.SourceIndex, wantIndexes[i])
			}
		}
		if got[0].DocumentID != 1 || got[0].Title != "Doc 1" || got[0].ID != "1" {
			t.Errorf("first citation = %+v", got[0])
		}
	})

	t.Run("extraction is idempotent and pure", func(t *testing.T) {
		st := buildTurn(t, "question", someCandidates(3))
		before := len(st.Messages)

		first := ExtractCitations(st.Messages, true)
		second := ExtractCitations(st.Messages, true)

		if !reflect.DeepEqual(first, second) {
			t.Errorf("repeated extraction differs:\n%+v\n%+v", first, second)
		}
		if len(st.Messages) != before {
			t.Error("extraction mutated the message log")
		}
	})

	t.Run("last turn only ignores earlier turns", func(t *testing.T) {
		st := buildTurn(t, "first question", someCandidates(4))
		st.Messages = append(st.Messages, ai.NewModelMessage(ai.NewTextPart("answer one")))

		st.BeginTurn("second question")
		tool := NewSearchTool(&fakeRetriever{candidates: someCandidates(2)}, 10, log.NewNop())
		out := tool.Run(context.Background(), st, "second question")
		st.Messages = append(st.Messages, toolResponseMessage(reqFor("second question"), out))

		lastTurn := ExtractCitations(st.Messages, true)
		if len(lastTurn) != 2 {
			t.Errorf("last turn citations = %d, want 2", len(lastTurn))
		}

		all := ExtractCitations(st.Messages, false)
		// Documents 1-4 from turn one, duplicates from turn two deduped.
		if len(all) != 4 {
			t.Errorf("all citations = %d, want 4", len(all))
		}
	})

	t.Run("sentinel and error outputs yield nothing", func(t *testing.T) {
		st := NewState("s1", 0, 0)
		st.BeginTurn("question")
		st.Messages = append(st.Messages,
			toolResponseMessage(reqFor("question"), noResultsOutput),
			toolResponseMessage(reqFor("question"), "knowledge base search failed: timeout"),
		)

		if got := ExtractCitations(st.Messages, true); len(got) != 0 {
			t.Errorf("citations = %+v, want none", got)
		}
	})

	t.Run("empty log", func(t *testing.T) {
		if got := ExtractCitations(nil, true); len(got) != 0 {
			t.Errorf("citations = %+v, want none", got)
		}
	})
}

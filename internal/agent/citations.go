package agent

import (
	"sort"
	"strconv"

	"github.com/firebase/genkit/go/ai"
)

// Citation is one source the assistant drew on, keyed by the document it
// came from and labeled with the source_index the model cites.
type Citation struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SiteID      int64   `json:"site_id"`
	DocumentID  int64   `json:"document_id"`
	Score       float64 `json:"score"`
	SourceIndex int     `json:"source_index"`
}

// ExtractCitations collects the sources from search tool results in the
// message log. With lastTurnOnly it only considers results after the last
// user message. Duplicate documents keep their first occurrence; the
// result is ordered by source index.
//
// The scan is a pure read of the messages: calling it any number of times
// gives the same result and never mutates state.
func ExtractCitations(messages []*ai.Message, lastTurnOnly bool) []Citation {
	from := -1
	if lastTurnOnly {
		from = lastUserIndex(messages)
	}

	seen := make(map[int64]bool)
	var citations []Citation
	for _, item := range searchOutputsSince(messages, from) {
		docID := metaInt64(item.Metadata, "document_id")
		if docID == 0 || seen[docID] {
			continue
		}
		seen[docID] = true

		title := item.Title
		if t, ok := item.Metadata["title"].(string); ok && t != "" {
			title = t
		}

		citations = append(citations, Citation{
			ID:          strconv.FormatInt(docID, 10),
			Title:       title,
			SiteID:      metaInt64(item.Metadata, "site_id"),
			DocumentID:  docID,
			Score:       metaFloat(item.Metadata, "score"),
			SourceIndex: item.SourceIndex,
		})
	}

	sort.Slice(citations, func(i, j int) bool {
		return citations[i].SourceIndex < citations[j].SourceIndex
	})
	return citations
}

// metaInt64 reads an integer metadata value. JSON round-trips deliver
// numbers as float64.
func metaInt64(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func metaFloat(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/retrieval"
)

// SearchToolName is the single tool exposed to the model.
const SearchToolName = "search_knowledge_base"

// Retriever is the slice of the retrieval service the tool needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) []retrieval.Candidate
}

// SearchTool answers search_knowledge_base calls with a JSON array of
// labeled results. Source indices continue across calls within a turn so
// the model can cite any result it has seen since the user asked.
type SearchTool struct {
	retriever Retriever
	topK      int
	logger    log.Logger
}

// NewSearchTool creates the knowledge base search tool.
func NewSearchTool(retriever Retriever, topK int, logger log.Logger) *SearchTool {
	return &SearchTool{
		retriever: retriever,
		topK:      topK,
		logger:    logger.With("component", "search-tool"),
	}
}

type searchInput struct {
	Query string `json:"query" jsonschema_description:"Search query for the wiki knowledge base"`
}

// Define registers the tool with Genkit so its schema reaches the model.
// The loop executes calls itself; the registered function covers direct
// runtime execution and reads conversation state from the context.
func (t *SearchTool) Define(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, SearchToolName,
		"Search the wiki knowledge base for content relevant to a query. "+
			"Returns matching excerpts labeled with source_index for citation.",
		func(toolCtx *ai.ToolContext, input searchInput) (string, error) {
			st := stateFromContext(toolCtx.Context)
			if st == nil {
				st = &State{}
			}
			return t.Run(toolCtx.Context, st, input.Query), nil
		})
}

// searchResultItem is one entry of the tool output array.
type searchResultItem struct {
	SourceIndex int            `json:"source_index"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
}

// Run executes one search and serializes the results. Every result gets a
// turn-unique source_index: the count of results already returned this
// turn, plus its position, plus one.
func (t *SearchTool) Run(ctx context.Context, st *State, query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return noResultsOutput
	}

	offset := resultOffset(st.Messages)

	candidates := t.retriever.Retrieve(ctx, query, retrieval.Options{
		TopK:      t.topK,
		Threshold: -1,
		SiteID:    st.SiteID,
	})
	if err := ctx.Err(); err != nil {
		return "knowledge base search failed: " + err.Error()
	}
	if len(candidates) == 0 {
		t.logger.Debug("no results above threshold", "query", query)
		return noResultsOutput
	}

	items := make([]searchResultItem, len(candidates))
	for i, c := range candidates {
		idx := offset + i + 1

		meta := make(map[string]any, len(c.Metadata)+5)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta["document_id"] = c.DocumentID
		meta["site_id"] = c.SiteID
		meta["title"] = c.DocumentTitle
		meta["score"] = c.Score
		meta["original_score"] = c.OriginalScore
		meta["source_index"] = idx

		items[i] = searchResultItem{
			SourceIndex: idx,
			Title:       c.DocumentTitle,
			Content:     c.Content,
			Metadata:    meta,
		}
	}

	out, err := json.Marshal(items)
	if err != nil {
		t.logger.Error("serializing search results", "error", err)
		return "knowledge base search failed: " + err.Error()
	}
	return string(out)
}

// resultOffset counts the results in this turn's earlier search calls.
func resultOffset(messages []*ai.Message) int {
	return len(searchOutputsSince(messages, lastUserIndex(messages)))
}

// searchOutputsSince parses every search tool output after index from and
// returns the flattened result items. Sentinel and error strings do not
// parse as JSON arrays and contribute nothing.
func searchOutputsSince(messages []*ai.Message, from int) []searchResultItem {
	var items []searchResultItem
	for i := from + 1; i < len(messages); i++ {
		msg := messages[i]
		if msg == nil || msg.Role != ai.RoleTool {
			continue
		}
		for _, p := range msg.Content {
			if p.ToolResponse == nil || p.ToolResponse.Name != SearchToolName {
				continue
			}
			raw, ok := p.ToolResponse.Output.(string)
			if !ok {
				continue
			}
			var parsed []searchResultItem
			if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
				continue
			}
			items = append(items, parsed...)
		}
	}
	return items
}

// isEmptyResult reports whether a tool output carried no results.
func isEmptyResult(output string) bool {
	return output == noResultsOutput || output == "[]"
}

type stateCtxKey struct{}

// withState attaches the conversation state for tool functions executed
// by the model runtime.
func withState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, st)
}

func stateFromContext(ctx context.Context) *State {
	st, _ := ctx.Value(stateCtxKey{}).(*State)
	return st
}

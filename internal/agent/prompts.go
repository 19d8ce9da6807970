package agent

// basePrompt is the standing instruction for the wiki assistant. The
// summary of compacted history, when present, is appended under its own
// heading so the model treats it as context rather than instruction.
const basePrompt = `You are a knowledge base assistant for a wiki site.

Answer questions using the search_knowledge_base tool to look up relevant
wiki content before answering. Cite the sources you used with their
[source_index] markers. If the knowledge base has nothing relevant, say so
plainly instead of inventing an answer. Keep answers concise and in the
language of the question.`

// summaryHeading introduces the compacted history inside the system turn.
const summaryHeading = "\n\nSummary of the earlier conversation:\n"

// forceStopOutput is injected as the tool result for every pending tool
// call once a loop breaker trips. It instructs the model to answer with
// what it already has.
const forceStopOutput = "Search limit reached. Do not request any more tool calls; " +
	"answer the question now using the information already gathered."

// noResultsOutput is the tool result when retrieval finds nothing above
// the similarity threshold.
const noResultsOutput = "No relevant content found in the knowledge base."

// fallbackAnswer is returned when the model ends a turn with no text.
const fallbackAnswer = "I was unable to produce an answer for that. Please try rephrasing the question."

// summarizePrompt asks the model to compact pruned history. The existing
// summary, when present, is appended in parentheses so it is carried
// forward rather than lost.
const summarizePrompt = `Summarize the following conversation in a few sentences, ` +
	`keeping the facts, decisions and open questions needed to continue it. ` +
	`Reply with the summary only.`

// systemPrompt builds the system turn content from the base prompt and
// the running summary.
func systemPrompt(summary string) string {
	if summary == "" {
		return basePrompt
	}
	return basePrompt + summaryHeading + summary
}

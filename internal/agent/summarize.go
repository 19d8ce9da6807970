package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

const summarizeTimeout = 30 * time.Second

var errSummaryEmpty = errors.New("model returned empty summary")

// meaningfulMessage reports whether a message counts toward the
// compaction trigger: user messages and assistant messages that carry
// text. Tool results and tool-call-only model messages are plumbing and
// do not count.
func meaningfulMessage(msg *ai.Message) bool {
	if msg == nil {
		return false
	}
	switch msg.Role {
	case ai.RoleUser:
		return true
	case ai.RoleModel:
		return strings.TrimSpace(msg.Text()) != ""
	default:
		return false
	}
}

// meaningfulIndexes returns the indexes of meaningful messages in order.
func meaningfulIndexes(messages []*ai.Message) []int {
	var idx []int
	for i, m := range messages {
		if meaningfulMessage(m) {
			idx = append(idx, i)
		}
	}
	return idx
}

// shouldCompact reports whether the history has outgrown the trigger.
func (l *Loop) shouldCompact(st *State) bool {
	if l.cfg.SummaryTriggerCount <= 0 {
		return false
	}
	return len(meaningfulIndexes(st.Messages)) > l.cfg.SummaryTriggerCount
}

// compact folds old history into the running summary and prunes the
// message log down to the last KeepLastMessages meaningful messages
// (plus their interleaved tool traffic).
//
// Compaction is best-effort: if the summary call fails, nothing is
// pruned — losing context silently would be worse than a long history.
func (l *Loop) compact(ctx context.Context, st *State) {
	idx := meaningfulIndexes(st.Messages)
	keep := l.cfg.KeepLastMessages
	if keep <= 0 || len(idx) <= keep {
		return
	}

	cut := idx[len(idx)-keep]
	pruned := st.Messages[:cut]

	summary, err := l.summarize(ctx, pruned, st.Summary)
	if err != nil {
		l.logger.Warn("history compaction skipped", "session_id", st.SessionID, "error", err)
		return
	}

	st.Summary = summary
	st.Messages = append([]*ai.Message(nil), st.Messages[cut:]...)

	l.logger.Debug("history compacted",
		"session_id", st.SessionID,
		"pruned", cut,
		"kept", len(st.Messages),
	)
}

// summaryRequestPrompt builds the summarization request: the instruction,
// the previous summary when present, and a plain transcript of the pruned
// messages.
func summaryRequestPrompt(pruned []*ai.Message, previous string) string {
	var transcript strings.Builder
	for _, msg := range pruned {
		if !meaningfulMessage(msg) {
			continue
		}
		switch msg.Role {
		case ai.RoleUser:
			transcript.WriteString("User: ")
		case ai.RoleModel:
			transcript.WriteString("Assistant: ")
		}
		transcript.WriteString(msg.Text())
		transcript.WriteString("\n")
	}

	prompt := summarizePrompt
	if previous != "" {
		prompt += "\n(existing summary: " + previous + ")"
	}
	return prompt + "\n\n" + transcript.String()
}

// summarize asks the model (without tools) for a compact summary of the
// pruned messages, folding in the previous summary when present.
func (l *Loop) summarize(ctx context.Context, pruned []*ai.Message, previous string) (string, error) {
	prompt := summaryRequestPrompt(pruned, previous)

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := l.generateWithRetry(ctx, []ai.GenerateOption{
		ai.WithModelName(l.cfg.ModelName),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(prompt))),
	})
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", errSummaryEmpty
	}
	return summary, nil
}

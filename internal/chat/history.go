package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/catwiki/catchat/internal/agent"
)

// Message is one visible entry of a conversation transcript. Tool
// traffic is folded away; assistant entries carry the sources their
// turn drew on.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Citations []agent.Citation `json:"citations,omitempty"`
}

// History reconstructs the visible transcript of a session. Returns
// session.ErrNotFound (wrapped) when the session has no checkpoint.
func (s *Service) History(ctx context.Context, sessionID string) ([]Message, error) {
	st, err := s.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", sessionID, err)
	}
	return transcript(st.Messages), nil
}

// transcript flattens the raw message log into user and assistant
// entries. Each assistant entry gets the citations of its own turn, so
// old turns keep their source lists as the conversation grows.
func transcript(messages []*ai.Message) []Message {
	var out []Message
	for i, msg := range messages {
		switch msg.Role {
		case ai.RoleUser:
			out = append(out, Message{Role: "user", Content: msg.Text()})
		case ai.RoleModel:
			text := strings.TrimSpace(msg.Text())
			if text == "" {
				continue
			}
			out = append(out, Message{
				Role:      "assistant",
				Content:   msg.Text(),
				Citations: agent.ExtractCitations(messages[:i+1], true),
			})
		}
	}
	return out
}

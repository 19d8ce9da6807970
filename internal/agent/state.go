// Package agent implements the bounded tool-calling conversation loop:
// model decision, guarded tool execution, citation extraction, and
// running-summary memory compaction.
package agent

import (
	"maps"

	"github.com/firebase/genkit/go/ai"
)

// State is the full conversation state of one session. It is what the
// session store checkpoints between turns.
//
// Messages never contain a system message: the system turn is rebuilt
// from the base prompt and Summary on every model call, so prompt and
// summary updates apply to old sessions immediately.
type State struct {
	SessionID string `json:"session_id"`
	SiteID    int64  `json:"site_id"`
	MemberID  int64  `json:"member_id,omitempty"`

	Messages []*ai.Message `json:"messages"`
	Summary  string        `json:"summary,omitempty"`

	// Per-turn loop counters, reset by BeginTurn.
	IterationCount   int `json:"iteration_count"`
	ConsecutiveEmpty int `json:"consecutive_empty_count"`
}

// NewState creates an empty conversation state.
func NewState(sessionID string, siteID, memberID int64) *State {
	return &State{
		SessionID: sessionID,
		SiteID:    siteID,
		MemberID:  memberID,
	}
}

// BeginTurn appends the user message and resets the per-turn counters.
func (s *State) BeginTurn(userText string) {
	s.Messages = append(s.Messages, ai.NewUserMessage(ai.NewTextPart(userText)))
	s.IterationCount = 0
	s.ConsecutiveEmpty = 0
}

// LastAssistantText returns the text of the last model message, or "".
func (s *State) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == ai.RoleModel {
			return s.Messages[i].Text()
		}
	}
	return ""
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(messages []*ai.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ai.RoleUser {
			return i
		}
	}
	return -1
}

// toolRequests extracts the pending tool calls from a model message.
func toolRequests(msg *ai.Message) []*ai.ToolRequest {
	if msg == nil {
		return nil
	}
	var reqs []*ai.ToolRequest
	for _, p := range msg.Content {
		if p.IsToolRequest() {
			reqs = append(reqs, p.ToolRequest)
		}
	}
	return reqs
}

// toolResponseMessage wraps a tool output as a RoleTool message answering
// the given request. Ref is copied for request/response correlation.
func toolResponseMessage(req *ai.ToolRequest, output string) *ai.Message {
	return ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
		Name:   req.Name,
		Ref:    req.Ref,
		Output: output,
	}))
}

// deepCopyMessages copies messages before handing them to the model
// runtime, which mutates message content in place during rendering.
func deepCopyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			cp := *part
			parts[j] = &cp
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: maps.Clone(msg.Metadata),
		}
	}
	return copied
}

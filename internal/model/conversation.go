package model

import "time"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation.
//
// Metadata may carry provider details for assistant turns: "provider",
// "model", "latency_ms", "prompt_tokens", "completion_tokens", "cost_usd",
// "retrieval_used" and "retrieval_relevance".
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Conversation is an ordered list of messages between a user and an agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageIndex returns the position of the message with the given id, or -1.
func (c Conversation) MessageIndex(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// ContextAnalysis is what a context analyzer derives from a conversation
// turn. It is merged into a FeedbackContext before caller overrides apply.
type ContextAnalysis struct {
	Stage              string   `json:"stage,omitempty"`
	Intent             string   `json:"intent,omitempty"`
	Topics             []string `json:"topics,omitempty"`
	Sentiment          float64  `json:"sentiment"`
	Complexity         float64  `json:"complexity"`
	RetrievalUsed      bool     `json:"retrieval_used"`
	RetrievalRelevance float64  `json:"retrieval_relevance"`
	KnowledgeGaps      []string `json:"knowledge_gaps,omitempty"`
	Patterns           []string `json:"patterns,omitempty"`
}

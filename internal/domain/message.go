package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Choices     int       `json:"n,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Choice is one generated alternative for a prompt. In a stream it holds
// only the increment for that alternative.
type Choice struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatResponse is returned from a blocking provider call.
type ChatResponse struct {
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	Choices   []Choice        `json:"choices"`
	Metadata  *MetadataReport `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Primary returns the lowest-index choice, or false when the response is empty.
func (r *ChatResponse) Primary() (Choice, bool) {
	if r == nil || len(r.Choices) == 0 {
		return Choice{}, false
	}
	best := r.Choices[0]
	for _, c := range r.Choices[1:] {
		if c.Index < best.Index {
			best = c
		}
	}
	return best, true
}

// AsDelta presents a blocking response as the single increment of a
// one-element stream.
func (r *ChatResponse) AsDelta() StreamDelta {
	if r == nil {
		return StreamDelta{Done: true}
	}
	choices := make([]Choice, len(r.Choices))
	copy(choices, r.Choices)
	return StreamDelta{
		Choices:  choices,
		Metadata: r.Metadata,
		Done:     true,
	}
}

// ModelSelection describes which backend and model a conversation talks to.
type ModelSelection struct {
	Provider      string  `json:"provider" yaml:"provider"`
	Model         string  `json:"model" yaml:"model"`
	ContextBudget int     `json:"context_budget,omitempty" yaml:"context_budget,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Choices       int     `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Request builds the provider request for prompt under this selection.
func (m ModelSelection) Request(prompt []Message) ChatRequest {
	msgs := make([]Message, len(prompt))
	copy(msgs, prompt)
	return ChatRequest{
		Model:       m.Model,
		Messages:    msgs,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
		Choices:     m.Choices,
	}
}

// ConversationContext owns the ordered history of one chat session.
// It is mutated only by appending messages.
type ConversationContext interface {
	ID() string
	Model() ModelSelection
	AddMessage(msg Message)
	Messages() []Message
	// GetMessages returns the prompt for newMessage: the history trimmed to
	// fit budget tokens followed by newMessage. It does not mutate the context.
	GetMessages(budget int, newMessage Message) []Message
}

// TokenCounter estimates token counts for prompt budgeting.
type TokenCounter interface {
	CountTokens(text string) int
	CountMessages(msgs []Message) int
}

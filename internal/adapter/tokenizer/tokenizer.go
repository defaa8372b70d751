// Package tokenizer estimates prompt sizes for context budgeting.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"codechat/internal/domain"
)

const (
	// tokensPerMessage is the framing cost of one chat message.
	tokensPerMessage = 3
	// tokensPerName is charged when a message carries a name.
	tokensPerName = 1
	// defaultEncoding is used for models tiktoken does not know.
	defaultEncoding = "cl100k_base"
)

var (
	_ domain.TokenCounter = (*Tiktoken)(nil)
	_ domain.TokenCounter = Approximate{}
)

// Tiktoken counts tokens with the BPE encoding of a model.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding for model, falling back to cl100k_base
// for unknown models. Loading may fetch the BPE ranks on first use.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			return nil, err
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// CountTokens implements domain.TokenCounter.
func (t *Tiktoken) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages implements domain.TokenCounter.
func (t *Tiktoken) CountMessages(msgs []domain.Message) int {
	return countMessages(t, msgs)
}

// Approximate estimates tokens from word and character counts. It needs no
// encoding data and is used when tiktoken cannot load.
type Approximate struct{}

// CountTokens implements domain.TokenCounter.
func (Approximate) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	n := (words + len(text)/4) / 2
	return max(n, 1)
}

// CountMessages implements domain.TokenCounter.
func (a Approximate) CountMessages(msgs []domain.Message) int {
	return countMessages(a, msgs)
}

func countMessages(c domain.TokenCounter, msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage + c.CountTokens(m.Role) + c.CountTokens(m.Content)
		if m.Name != "" {
			total += tokensPerName + c.CountTokens(m.Name)
		}
	}
	return total
}

// New returns a tiktoken counter for model, or the approximate counter
// when the encoding is unavailable.
func New(model string, logger *slog.Logger) domain.TokenCounter {
	t, err := NewTiktoken(model)
	if err != nil {
		if logger != nil {
			logger.Warn("tiktoken unavailable, using approximate token counts", "model", model, "error", err)
		}
		return Approximate{}
	}
	return t
}

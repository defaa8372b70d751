// Package assembler rebuilds complete messages from streamed increments.
package assembler

import (
	"slices"
	"strings"
	"sync"

	"codechat/internal/domain"
)

// Assembler buffers text increments per choice index. Buffers are append-only;
// a new exchange needs a new Assembler.
type Assembler struct {
	mu      sync.Mutex
	buffers map[int]*strings.Builder
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{buffers: make(map[int]*strings.Builder)}
}

// Append adds text to the buffer of choice index, creating it on first use.
func (a *Assembler) Append(index int, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[index]
	if !ok {
		b = &strings.Builder{}
		a.buffers[index] = b
	}
	b.WriteString(text)
}

// AppendChoices appends every choice of a delta.
func (a *Assembler) AppendChoices(choices []domain.Choice) {
	for _, c := range choices {
		a.Append(c.Index, c.Content)
	}
}

// Len returns the number of buffered choices.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Messages renders one assistant message per buffer in ascending choice
// order. The first message is the primary response. It does not modify the
// buffers.
func (a *Assembler) Messages() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	indices := make([]int, 0, len(a.buffers))
	for i := range a.buffers {
		indices = append(indices, i)
	}
	slices.Sort(indices)

	msgs := make([]domain.Message, 0, len(indices))
	for _, i := range indices {
		msgs = append(msgs, domain.Message{
			Role:    domain.RoleAssistant,
			Content: a.buffers[i].String(),
		})
	}
	return msgs
}

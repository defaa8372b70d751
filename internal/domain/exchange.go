package domain

import (
	"context"
	"time"
)

// Phase identifies the lifecycle stage an ExchangeEvent represents.
type Phase string

const (
	PhaseInitiating Phase = "initiating"
	PhaseStarted    Phase = "started"
	PhaseArriving   Phase = "arriving"
	PhaseArrived    Phase = "arrived"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further events follow p.
func (p Phase) Terminal() bool { return p == PhaseArrived || p == PhaseFailed }

// ExchangeEvent is one step of an exchange:
// Initiating -> Started -> Arriving* -> Arrived | Failed.
// Implementations are immutable values.
type ExchangeEvent interface {
	Phase() Phase
	Exchange() string
	exchangeEvent()
}

// Initiating carries the prompt of an exchange that has not reached a backend yet.
type Initiating struct {
	ID     string
	Prompt []Message
	At     time.Time
}

// NewInitiating creates the first event of an exchange.
func NewInitiating(id string, prompt []Message) Initiating {
	p := make([]Message, len(prompt))
	copy(p, prompt)
	return Initiating{ID: id, Prompt: p, At: time.Now()}
}

// Start records that the backend accepted the request. cancel stops the exchange.
func (e Initiating) Start(provider, model string, streaming bool, cancel context.CancelFunc) Started {
	return Started{
		ID:        e.ID,
		Provider:  provider,
		Model:     model,
		Streaming: streaming,
		At:        time.Now(),
		cancel:    cancel,
	}
}

// Fail records a failure before the backend accepted the request.
func (e Initiating) Fail(cause error) Failed {
	return Failed{ID: e.ID, Cause: cause, Code: ErrorCodeOf(cause), At: time.Now()}
}

func (e Initiating) Phase() Phase     { return PhaseInitiating }
func (e Initiating) Exchange() string { return e.ID }
func (Initiating) exchangeEvent()     {}

// Started is emitted once the backend accepted the request.
type Started struct {
	ID        string
	Provider  string
	Model     string
	Streaming bool
	At        time.Time
	cancel    context.CancelFunc
}

// Cancel stops further increment delivery. It is safe to call more than once.
func (e Started) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Arrive builds the event for one increment. assembled is the full message
// list reconstructed so far.
func (e Started) Arrive(chunk StreamDelta, assembled []Message, md ResponseMetadata) Arriving {
	return Arriving{ID: e.ID, Chunk: chunk, Assembled: assembled, Metadata: md, At: time.Now()}
}

// Complete builds the terminal success event.
func (e Started) Complete(msgs []Message, md ResponseMetadata) Arrived {
	now := time.Now()
	return Arrived{ID: e.ID, Messages: msgs, Metadata: md, Duration: now.Sub(e.At), At: now}
}

// Fail builds the terminal failure event.
func (e Started) Fail(cause error) Failed {
	return Failed{ID: e.ID, Cause: cause, Code: ErrorCodeOf(cause), At: time.Now()}
}

func (e Started) Phase() Phase     { return PhaseStarted }
func (e Started) Exchange() string { return e.ID }
func (Started) exchangeEvent()     {}

// Arriving is emitted for every increment that carried at least one choice.
type Arriving struct {
	ID        string
	Chunk     StreamDelta
	Assembled []Message
	Metadata  ResponseMetadata
	At        time.Time
}

// Primary returns the primary assembled message so far.
func (e Arriving) Primary() (Message, bool) {
	if len(e.Assembled) == 0 {
		return Message{}, false
	}
	return e.Assembled[0], true
}

func (e Arriving) Phase() Phase     { return PhaseArriving }
func (e Arriving) Exchange() string { return e.ID }
func (Arriving) exchangeEvent()     {}

// Arrived is the terminal success event.
type Arrived struct {
	ID       string
	Messages []Message
	Metadata ResponseMetadata
	Duration time.Duration
	At       time.Time
}

// Primary returns the message that is committed to the conversation.
func (e Arrived) Primary() (Message, bool) {
	if len(e.Messages) == 0 {
		return Message{}, false
	}
	return e.Messages[0], true
}

func (e Arrived) Phase() Phase     { return PhaseArrived }
func (e Arrived) Exchange() string { return e.ID }
func (Arrived) exchangeEvent()     {}

// Failed is the terminal failure event.
type Failed struct {
	ID    string
	Cause error
	Code  ErrorCode
	At    time.Time
}

func (e Failed) Phase() Phase     { return PhaseFailed }
func (e Failed) Exchange() string { return e.ID }
func (Failed) exchangeEvent()     {}

// ExchangeListener observes exchanges. Methods are called synchronously from
// whichever goroutine drives the exchange, which is often not the caller's,
// so implementations must be safe for concurrent use and return quickly.
type ExchangeListener interface {
	ExchangeStarted(ctx context.Context, e Started)
	ResponseArriving(ctx context.Context, e Arriving)
	ResponseArrived(ctx context.Context, e Arrived)
	ExchangeFailed(ctx context.Context, e Failed)
}

// CancelListener is an optional extension of ExchangeListener. It is told
// when a started exchange is cancelled; no terminal event follows.
type CancelListener interface {
	ExchangeCancelled(ctx context.Context, id string, cause error)
}

// ListenerFuncs adapts plain functions to ExchangeListener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStarted  func(ctx context.Context, e Started)
	OnArriving func(ctx context.Context, e Arriving)
	OnArrived  func(ctx context.Context, e Arrived)
	OnFailed   func(ctx context.Context, e Failed)
}

func (f ListenerFuncs) ExchangeStarted(ctx context.Context, e Started) {
	if f.OnStarted != nil {
		f.OnStarted(ctx, e)
	}
}

func (f ListenerFuncs) ResponseArriving(ctx context.Context, e Arriving) {
	if f.OnArriving != nil {
		f.OnArriving(ctx, e)
	}
}

func (f ListenerFuncs) ResponseArrived(ctx context.Context, e Arrived) {
	if f.OnArrived != nil {
		f.OnArrived(ctx, e)
	}
}

func (f ListenerFuncs) ExchangeFailed(ctx context.Context, e Failed) {
	if f.OnFailed != nil {
		f.OnFailed(ctx, e)
	}
}

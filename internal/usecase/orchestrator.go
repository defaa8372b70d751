package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"codechat/internal/domain"
	"codechat/internal/infra/tracer"
	"codechat/internal/usecase/assembler"
	"codechat/internal/usecase/metadata"
)

// OrchestratorDeps holds the dependencies for Orchestrator.
type OrchestratorDeps struct {
	Providers domain.ProviderResolver
	Logger    *slog.Logger
	Clock     func() time.Time // defaults to time.Now
}

// Orchestrator drives chat exchanges against the backend selected by a
// conversation. It prefers streaming and falls back to a single blocking
// call when the backend cannot stream.
type Orchestrator struct {
	providers domain.ProviderResolver
	logger    *slog.Logger
	clock     func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		providers: deps.Providers,
		logger:    logger,
		clock:     clock,
	}
}

// Result is the outcome of a successful exchange.
type Result struct {
	Messages []domain.Message
	Metadata domain.ResponseMetadata
}

// Primary returns the message committed to the conversation, if any.
func (r Result) Primary() (domain.Message, bool) {
	if len(r.Messages) == 0 {
		return domain.Message{}, false
	}
	return r.Messages[0], true
}

// Exchange is the handle of one running exchange.
type Exchange struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	result Result
	err    error
}

func newExchange(id string, cancel context.CancelFunc) *Exchange {
	return &Exchange{id: id, cancel: cancel, done: make(chan struct{})}
}

// ID returns the exchange identifier.
func (x *Exchange) ID() string { return x.id }

// Cancel stops the exchange. No further events are delivered for it and
// nothing is committed to the conversation.
func (x *Exchange) Cancel() { x.cancel() }

// Done is closed once the exchange has resolved.
func (x *Exchange) Done() <-chan struct{} { return x.done }

// Wait blocks until the exchange resolves or ctx is done.
func (x *Exchange) Wait(ctx context.Context) (Result, error) {
	select {
	case <-x.done:
		return x.result, x.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (x *Exchange) resolve(res Result, err error) {
	x.once.Do(func() {
		x.result = res
		x.err = err
		close(x.done)
		x.cancel()
	})
}

// NewExchangeID returns a fresh exchange identifier.
func NewExchangeID() string { return generateULID(time.Now()) }

// exchangeRun is the per-exchange state. It is owned by one exchange and
// never shared between exchanges.
type exchangeRun struct {
	o        *Orchestrator
	ctx      context.Context // cancelled by Exchange.Cancel
	eventCtx context.Context // handed to listeners; survives cancellation
	conv     domain.ConversationContext
	listener domain.ExchangeListener
	started  domain.Started
	handle   *Exchange
	span     trace.Span
	asm      *assembler.Assembler
	meta     *metadata.Builder
	logger   *slog.Logger
}

// Start begins an exchange for init.Prompt against conv's model selection.
// Listener callbacks may run on a goroutine other than the caller's.
//
// An empty prompt is rejected with ErrMissingPrompt before anything is
// emitted. Any later failure is reported to l and through the returned
// handle, never as an error from Start.
func (o *Orchestrator) Start(ctx context.Context, conv domain.ConversationContext, init domain.Initiating, l domain.ExchangeListener) (*Exchange, error) {
	if len(init.Prompt) == 0 {
		return nil, domain.NewDomainError("Orchestrator.Start", domain.ErrMissingPrompt, conv.ID())
	}
	if init.ID == "" {
		init.ID = NewExchangeID()
	}
	if l == nil {
		l = domain.ListenerFuncs{}
	}

	sel := conv.Model()

	ctx = domain.ContextWithExchangeID(ctx, init.ID)
	ctx, span := tracer.StartSpan(ctx, "chat.exchange",
		trace.WithAttributes(
			tracer.StringAttr("exchange.id", init.ID),
			tracer.StringAttr("llm.provider", sel.Provider),
			tracer.StringAttr("llm.model", sel.Model),
			tracer.IntAttr("prompt.messages", len(init.Prompt)),
		),
	)
	runCtx, cancel := context.WithCancel(ctx)

	run := &exchangeRun{
		o:        o,
		ctx:      runCtx,
		eventCtx: context.WithoutCancel(ctx),
		conv:     conv,
		listener: l,
		handle:   newExchange(init.ID, cancel),
		span:     span,
		asm:      assembler.New(),
		meta:     metadata.NewBuilder(),
		logger:   o.logger.With("exchange_id", init.ID, "provider", sel.Provider, "model", sel.Model),
	}

	provider, err := o.providers.Get(sel.Provider)
	if err != nil {
		run.failEarly(init, fmt.Errorf("resolve provider %q: %w", sel.Provider, err))
		return run.handle, nil
	}

	req := sel.Request(init.Prompt)

	if sp, ok := provider.(domain.StreamingLLMProvider); ok {
		streamReq := req
		streamReq.Stream = true
		ch, err := sp.ChatStream(runCtx, streamReq)
		switch {
		case err == nil:
			run.started = init.Start(provider.Name(), sel.Model, true, cancel)
			run.emitStarted()
			go run.consume(ch)
			return run.handle, nil
		case errors.Is(err, domain.ErrStreamingUnsupported):
			run.logger.Debug("streaming unsupported, falling back to blocking call")
		default:
			run.failEarly(init, err)
			return run.handle, nil
		}
	}

	span.SetAttributes(tracer.StringAttr("exchange.mode", "blocking"))
	run.started = init.Start(provider.Name(), sel.Model, false, cancel)
	run.emitStarted()

	resp, err := provider.Chat(runCtx, req)
	if err != nil {
		if runCtx.Err() != nil {
			run.cancelled()
			return run.handle, nil
		}
		run.fail(err)
		return run.handle, nil
	}
	if runCtx.Err() != nil {
		run.cancelled()
		return run.handle, nil
	}
	run.fold(resp.AsDelta())
	run.complete()
	return run.handle, nil
}

// consume drains a streaming channel until it closes, reports an error,
// or the exchange is cancelled.
func (r *exchangeRun) consume(ch <-chan domain.StreamDelta) {
	r.span.SetAttributes(tracer.StringAttr("exchange.mode", "stream"))
	defer drain(ch)

	for {
		select {
		case <-r.ctx.Done():
			r.cancelled()
			return
		case delta, ok := <-ch:
			if !ok {
				if r.ctx.Err() != nil {
					r.cancelled()
					return
				}
				r.complete()
				return
			}
			if delta.Err != nil {
				r.fail(delta.Err)
				return
			}
			if r.ctx.Err() != nil {
				r.cancelled()
				return
			}
			if r.fold(delta) {
				r.emitArriving(delta)
			}
			if delta.Done {
				r.complete()
				return
			}
		}
	}
}

// fold merges one increment into the exchange state and reports whether it
// carried any choice.
func (r *exchangeRun) fold(delta domain.StreamDelta) bool {
	r.meta.Accept(delta.Metadata)
	r.asm.AppendChoices(delta.Choices)
	return len(delta.Choices) > 0
}

func (r *exchangeRun) complete() {
	msgs := r.asm.Messages()
	md := r.meta.Build()
	if len(msgs) > 0 {
		primary := msgs[0]
		primary.Timestamp = r.o.clock()
		msgs[0] = primary
		r.conv.AddMessage(primary)
	}

	usage := md.Usage()
	r.span.SetAttributes(
		tracer.IntAttr("usage.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("usage.generation_tokens", usage.GenerationTokens),
		tracer.IntAttr("response.choices", len(msgs)),
	)
	tracer.SetOK(r.span)

	ev := r.started.Complete(msgs, md)
	r.logger.Debug("exchange arrived",
		"choices", len(msgs),
		"prompt_tokens", usage.PromptTokens,
		"generation_tokens", usage.GenerationTokens,
		"duration", ev.Duration,
	)
	r.notify("arrived", func() { r.listener.ResponseArrived(r.eventCtx, ev) })
	r.finish(Result{Messages: msgs, Metadata: md}, nil)
}

func (r *exchangeRun) fail(cause error) {
	tracer.RecordError(r.span, cause)
	r.logger.Warn("exchange failed", "error", cause)
	ev := r.started.Fail(cause)
	r.notify("failed", func() { r.listener.ExchangeFailed(r.eventCtx, ev) })
	r.finish(Result{}, cause)
}

// failEarly reports a failure before the backend accepted the request.
func (r *exchangeRun) failEarly(init domain.Initiating, cause error) {
	tracer.RecordError(r.span, cause)
	r.logger.Warn("exchange not started", "error", cause)
	ev := init.Fail(cause)
	r.notify("failed", func() { r.listener.ExchangeFailed(r.eventCtx, ev) })
	r.finish(Result{}, cause)
}

// cancelled resolves the handle without emitting a terminal event.
func (r *exchangeRun) cancelled() {
	err := r.ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	r.span.SetAttributes(tracer.StringAttr("exchange.outcome", "cancelled"))
	r.logger.Debug("exchange cancelled")
	if cl, ok := r.listener.(domain.CancelListener); ok {
		id := r.handle.id
		r.notify("cancelled", func() { cl.ExchangeCancelled(r.eventCtx, id, err) })
	}
	r.finish(Result{}, fmt.Errorf("%w: %w", domain.ErrExchangeCancelled, err))
}

func (r *exchangeRun) finish(res Result, err error) {
	r.span.End()
	r.handle.resolve(res, err)
}

func (r *exchangeRun) emitStarted() {
	ev := r.started
	r.notify("started", func() { r.listener.ExchangeStarted(r.eventCtx, ev) })
}

func (r *exchangeRun) emitArriving(delta domain.StreamDelta) {
	ev := r.started.Arrive(delta, r.asm.Messages(), r.meta.Build())
	r.notify("arriving", func() { r.listener.ResponseArriving(r.eventCtx, ev) })
}

// notify runs a listener callback, containing any panic it raises.
func (r *exchangeRun) notify(phase string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("exchange listener panicked",
				"phase", phase,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// drain discards whatever the producer still sends so it can exit.
func drain(ch <-chan domain.StreamDelta) {
	go func() {
		for range ch {
		}
	}()
}

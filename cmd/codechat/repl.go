package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"codechat/internal/domain"
	"codechat/internal/usecase"
)

// chatSender is the part of ChatService the terminal needs.
type chatSender interface {
	Send(ctx context.Context, sessionKey, text string, l domain.ExchangeListener) (*usecase.Exchange, error)
	Reset(sessionKey string) error
}

// refresher invalidates cached provider clients.
type refresher interface {
	RefreshAll()
}

// repl reads prompts line by line and prints answers as they arrive.
type repl struct {
	chat       chatSender
	registry   refresher
	sessionKey string
	in         io.Reader
	out        io.Writer
	interrupts <-chan os.Signal
	log        *slog.Logger

	mu sync.Mutex // guards out
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run serves until input ends, /quit, an idle interrupt, or ctx is done.
func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.interrupts:
			r.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit := r.handle(ctx, strings.TrimSpace(line))
			if quit {
				return nil
			}
			r.printf("> ")
		}
	}
}

// handle runs one input line. It reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/reset":
		if err := r.chat.Reset(r.sessionKey); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			r.printf("error: %v\n", err)
			return false
		}
		r.printf("conversation cleared\n")
		return false
	case "/refresh":
		r.registry.RefreshAll()
		r.printf("providers refreshed\n")
		return false
	}

	r.exchange(ctx, line)
	return false
}

// exchange sends prompt and prints increments until the exchange resolves.
// An interrupt cancels it.
func (r *repl) exchange(ctx context.Context, prompt string) {
	var streamed atomic.Bool
	printer := domain.ListenerFuncs{
		OnArriving: func(_ context.Context, e domain.Arriving) {
			for _, c := range e.Chunk.Choices {
				if c.Index == 0 && c.Content != "" {
					streamed.Store(true)
					r.printf("%s", c.Content)
				}
			}
		},
	}

	exCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-r.interrupts:
			cancel()
		case <-stop:
		}
	}()

	// Send runs blocking backends inline, so the watcher is armed first.
	ex, err := r.chat.Send(exCtx, r.sessionKey, prompt, printer)
	if err != nil {
		r.printf("error: %v\n", err)
		return
	}
	<-ex.Done()

	res, err := ex.Wait(context.Background())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.printf("\n[timed out]\n")
		return
	case errors.Is(err, domain.ErrExchangeCancelled):
		r.printf("\n[cancelled]\n")
		return
	case err != nil:
		r.printf("\nerror: %v\n", err)
		return
	}

	if msg, ok := res.Primary(); ok && !streamed.Load() {
		r.printf("%s", msg.Content)
	}
	r.printf("\n%s\n", usageLine(res))
}

// usageLine summarizes token usage and alternatives of res.
func usageLine(res usecase.Result) string {
	u := res.Metadata.Usage()
	line := fmt.Sprintf("[tokens: prompt %d, generation %d, total %d]",
		u.PromptTokens, u.GenerationTokens, u.Total())
	if n := len(res.Messages); n > 1 {
		line += fmt.Sprintf(" [%d alternatives]", n)
	}
	return line
}

// ask runs one exchange to completion and returns its result.
func ask(ctx context.Context, chat chatSender, sessionKey, prompt string) (usecase.Result, error) {
	ex, err := chat.Send(ctx, sessionKey, prompt, domain.ListenerFuncs{})
	if err != nil {
		return usecase.Result{}, err
	}
	return ex.Wait(ctx)
}

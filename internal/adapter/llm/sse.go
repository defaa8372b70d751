package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"codechat/internal/domain"
)

const (
	maxSSELine = 1024 * 1024
	// maxLoggedChunk bounds the payload excerpt logged for a bad chunk.
	maxLoggedChunk = 256
)

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
// lead, when non-nil, is sent first as a metadata-only delta.
//
// The returned channel is closed when the stream ends, the body is closed,
// or ctx is cancelled. A read failure is delivered as a final delta with
// Err set. parseLine may itself return a delta with Err set to abort.
// Payloads parseLine rejects with an error are logged to logger and skipped.
func parseSSEStream(ctx context.Context, logger *slog.Logger, body io.ReadCloser, lead *domain.MetadataReport, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if lead != nil && !send(domain.StreamDelta{Metadata: lead}) {
			return
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				logger.Warn("skipping unparseable stream chunk",
					"error", err,
					"bytes", len(data),
					"chunk", excerpt(data, maxLoggedChunk),
				)
				continue
			}
			if delta == nil {
				continue
			}
			if !send(*delta) {
				return
			}
			if delta.Done || delta.Err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: %w", domain.ErrStreamBroken, err)})
		}
	}()
	return ch
}

func excerpt(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

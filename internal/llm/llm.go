// Package llm defines the completion capability the pipeline depends on.
//
// The core never branches on provider identity: everything goes through the
// Completer interface, and provider selection happens entirely in wiring code.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Options tunes a single completion call.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Completer produces a text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// TransientError marks a provider failure worth retrying: rate limits,
// timeouts, 5xx responses. Everything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CompleteWithRetry calls c.Complete, retrying up to maxRetries times on
// transient provider errors with jittered exponential backoff. Permanent
// errors return immediately.
func CompleteWithRetry(ctx context.Context, c Completer, prompt string, opts Options, maxRetries int, baseDelay time.Duration) (string, error) {
	var err error
	var out string
	for attempt := range maxRetries + 1 {
		out, err = c.Complete(ctx, prompt, opts)
		if err == nil || !IsTransient(err) {
			return out, err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return "", fmt.Errorf("llm: retries exhausted: %w", err)
}

package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sukima/internal/llm"
)

type scriptedCompleter struct {
	calls atomic.Int32
	errs  []error
	out   string
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string, _ llm.Options) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return s.out, nil
}

func TestCompleteWithRetry_RecoversFromTransient(t *testing.T) {
	c := &scriptedCompleter{
		errs: []error{
			&llm.TransientError{Err: errors.New("rate limited")},
			&llm.TransientError{Err: errors.New("rate limited")},
		},
		out: "ok",
	}
	out, err := llm.CompleteWithRetry(context.Background(), c, "p", llm.Options{}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestCompleteWithRetry_PermanentFailsFast(t *testing.T) {
	c := &scriptedCompleter{errs: []error{errors.New("bad prompt")}}
	_, err := llm.CompleteWithRetry(context.Background(), c, "p", llm.Options{}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(1), c.calls.Load(), "permanent errors must not retry")
}

func TestCompleteWithRetry_Exhaustion(t *testing.T) {
	c := &scriptedCompleter{errs: []error{
		&llm.TransientError{Err: errors.New("x")},
		&llm.TransientError{Err: errors.New("x")},
		&llm.TransientError{Err: errors.New("x")},
		&llm.TransientError{Err: errors.New("x")},
	}}
	_, err := llm.CompleteWithRetry(context.Background(), c, "p", llm.Options{}, 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err), "exhausted error keeps transient classification")
	assert.Equal(t, int32(4), c.calls.Load())
}

func TestOpenAIProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider("test-key", "gpt-4o-mini", srv.URL)
	out, err := p.Complete(context.Background(), "say hello", llm.Options{MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestOpenAIProvider_TransientStatuses(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			defer srv.Close()

			p := llm.NewOpenAIProvider("k", "m", srv.URL)
			_, err := p.Complete(context.Background(), "p", llm.Options{})
			require.Error(t, err)
			assert.True(t, llm.IsTransient(err), "status %d should be transient", code)
		})
	}
}

func TestOpenAIProvider_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider("k", "m", srv.URL)
	_, err := p.Complete(context.Background(), "p", llm.Options{})
	require.Error(t, err)
	assert.False(t, llm.IsTransient(err), "400 is a permanent error")
}

package knowledge

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
)

// scriptedEmbedder implements ai.Embedder, returning one scripted
// result per call.
type scriptedEmbedder struct {
	results []embedResult
	calls   int
	lastReq *ai.EmbedRequest
}

type embedResult struct {
	vec []float32
	err error
}

func (s *scriptedEmbedder) Name() string { return "scripted-embedder" }

func (s *scriptedEmbedder) Register(_ api.Registry) {}

func (s *scriptedEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	s.lastReq = req
	if s.calls >= len(s.results) {
		return nil, errors.New("scripted embedder exhausted")
	}
	r := s.results[s.calls]
	s.calls++

	if r.err != nil {
		return nil, r.err
	}
	return &ai.EmbedResponse{
		Embeddings: []*ai.Embedding{{Embedding: r.vec}},
	}, nil
}

// fastRetry keeps tests quick.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, Delay: time.Millisecond}
}

func TestEmbedSuccess(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}
	mock := &scriptedEmbedder{results: []embedResult{{vec: want}}}
	e := NewEmbedder(mock, fastRetry(3), nil, log.NewNop())

	got, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(got), len(want))
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestEmbedTaskTypeTagsRequests(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{
		{vec: []float32{1}},
		{vec: []float32{2}},
		{vec: []float32{3}},
	}}
	base := NewEmbedder(mock, fastRetry(1), rate.NewLimiter(rate.Inf, 1), log.NewNop())

	if _, err := base.Embed(context.Background(), "untyped"); err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	if mock.lastReq.Options != nil {
		t.Errorf("options = %v, want none without a task type", mock.lastReq.Options)
	}

	docs := base.WithTaskType(TaskDocument)
	if _, err := docs.Embed(context.Background(), "a document"); err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	opts, ok := mock.lastReq.Options.(*googlegenai.EmbedOptions)
	if !ok {
		t.Fatalf("options = %T, want *googlegenai.EmbedOptions", mock.lastReq.Options)
	}
	if opts.TaskType != TaskDocument {
		t.Errorf("task type = %q, want %q", opts.TaskType, TaskDocument)
	}

	queries := base.WithTaskType(TaskQuery)
	if _, err := queries.Embed(context.Background(), "a question"); err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	opts = mock.lastReq.Options.(*googlegenai.EmbedOptions)
	if opts.TaskType != TaskQuery {
		t.Errorf("task type = %q, want %q", opts.TaskType, TaskQuery)
	}

	// Copies share the base rate limiter.
	if docs.limiter != base.limiter || queries.limiter != base.limiter {
		t.Error("WithTaskType copy does not share the rate limiter")
	}
}

func TestEmbedRetriesTransientErrors(t *testing.T) {
	want := []float32{1, 2}
	mock := &scriptedEmbedder{results: []embedResult{
		{err: errors.New("429 rate limit exceeded")},
		{err: errors.New("503 service unavailable")},
		{vec: want},
	}}
	e := NewEmbedder(mock, fastRetry(3), nil, log.NewNop())

	got, err := e.Embed(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("Embed() = %v, want success after retries", err)
	}
	if len(got) != 2 {
		t.Errorf("vector length = %d, want 2", len(got))
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{
		{err: errors.New("connection reset by peer")},
		{err: errors.New("connection reset by peer")},
		{err: errors.New("connection reset by peer")},
	}}
	e := NewEmbedder(mock, fastRetry(3), nil, log.NewNop())

	_, err := e.Embed(context.Background(), "doomed")
	if err == nil {
		t.Fatal("Embed() = nil, want error after exhausting retries")
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
}

func TestEmbedNonTransientFailsImmediately(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{
		{err: errors.New("400 invalid argument")},
		{vec: []float32{1}},
	}}
	e := NewEmbedder(mock, fastRetry(3), nil, log.NewNop())

	_, err := e.Embed(context.Background(), "bad request")
	if err == nil {
		t.Fatal("Embed() = nil, want immediate failure")
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-transient error)", mock.calls)
	}
}

func TestEmbedRejectsNaN(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{
		{vec: []float32{0.5, float32(math.NaN()), 0.5}},
		{vec: []float32{1, 2, 3}},
	}}
	e := NewEmbedder(mock, fastRetry(3), nil, log.NewNop())

	_, err := e.Embed(context.Background(), "nan vector")
	if !errors.Is(err, ErrInvalidEmbedding) {
		t.Fatalf("Embed() = %v, want ErrInvalidEmbedding", err)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1 (NaN is not retried)", mock.calls)
	}
}

func TestEmbedRejectsEmptyResponse(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{{vec: nil}}}
	e := NewEmbedder(mock, fastRetry(1), nil, log.NewNop())

	if _, err := e.Embed(context.Background(), "empty"); err == nil {
		t.Fatal("Embed() = nil, want error for empty embedding")
	}
}

func TestEmbedHonorsContextCancellation(t *testing.T) {
	mock := &scriptedEmbedder{results: []embedResult{
		{err: errors.New("timeout")},
		{vec: []float32{1}},
	}}
	e := NewEmbedder(mock, RetryConfig{MaxAttempts: 3, Delay: time.Minute}, nil, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Embed(ctx, "cancelled")
		done <- err
	}()

	// Let the first attempt fail, then cancel during the retry wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Embed() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Embed did not return after cancellation")
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("Rate Limit exceeded"), true},
		{"quota", errors.New("quota exceeded for project"), true},
		{"http 429", errors.New("googleapi: Error 429"), true},
		{"server 500", errors.New("500 internal error"), true},
		{"unavailable", errors.New("service UNAVAILABLE"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("context deadline exceeded (timeout)"), true},
		{"invalid argument", errors.New("400 invalid argument"), false},
		{"not found", errors.New("model not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

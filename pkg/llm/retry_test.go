package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/tombee/parley/pkg/errors"
)

// flakyProvider fails a configurable number of times before succeeding.
type flakyProvider struct {
	mockProvider
	failures int
	failWith error
	chats    int
	streams  int
}

func (f *flakyProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	f.chats++
	if f.chats <= f.failures {
		return nil, f.failWith
	}
	return &Response{Content: "recovered"}, nil
}

func (f *flakyProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	f.streams++
	if f.streams <= f.failures {
		return nil, f.failWith
	}
	ch := make(chan StreamEvent, 1)
	ch <- DoneEvent(0, 0, "flaky", nil)
	close(ch)
	return ch, nil
}

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func connectionError() error {
	return &pkgerrors.ProviderError{
		Provider: "flaky",
		Kind:     pkgerrors.KindConnection,
		Message:  "connection reset",
	}
}

func TestRetryableChat_RecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyProvider{failures: 2, failWith: connectionError()}
	rp := NewRetryableProvider(flaky, fastRetryConfig(3))

	resp, err := rp.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if flaky.chats != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.chats)
	}
}

func TestRetryableChat_RetriesRateLimits(t *testing.T) {
	flaky := &flakyProvider{
		failures: 1,
		failWith: &pkgerrors.ProviderError{
			Provider:   "flaky",
			Kind:       pkgerrors.KindRateLimit,
			StatusCode: 429,
			Message:    "slow down",
		},
	}
	rp := NewRetryableProvider(flaky, fastRetryConfig(2))

	if _, err := rp.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("expected recovery after rate limit, got %v", err)
	}
	if flaky.chats != 2 {
		t.Errorf("expected 2 attempts, got %d", flaky.chats)
	}
}

func TestRetryableChat_DoesNotRetryAuthErrors(t *testing.T) {
	authErr := &pkgerrors.ProviderError{
		Provider:   "flaky",
		Kind:       pkgerrors.KindAuthentication,
		StatusCode: 401,
		Message:    "bad key",
	}
	flaky := &flakyProvider{failures: 5, failWith: authErr}
	rp := NewRetryableProvider(flaky, fastRetryConfig(3))

	_, err := rp.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, authErr) {
		t.Fatalf("expected auth error back, got %v", err)
	}
	if flaky.chats != 1 {
		t.Errorf("expected a single attempt, got %d", flaky.chats)
	}
}

func TestRetryableChat_ExhaustsRetries(t *testing.T) {
	flaky := &flakyProvider{failures: 10, failWith: connectionError()}
	rp := NewRetryableProvider(flaky, fastRetryConfig(2))

	_, err := rp.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if flaky.chats != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.chats)
	}
}

func TestRetryableChat_StopsOnContextCancel(t *testing.T) {
	flaky := &flakyProvider{failures: 10, failWith: connectionError()}
	cfg := fastRetryConfig(5)
	cfg.InitialDelay = 50 * time.Millisecond
	rp := NewRetryableProvider(flaky, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := rp.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestRetryableStreamChat_RetriesStreamOpen(t *testing.T) {
	flaky := &flakyProvider{failures: 1, failWith: connectionError()}
	rp := NewRetryableProvider(flaky, fastRetryConfig(2))

	events, err := rp.StreamChat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("expected stream after retry, got %v", err)
	}
	if flaky.streams != 2 {
		t.Errorf("expected 2 open attempts, got %d", flaky.streams)
	}

	ev, ok := <-events
	if !ok {
		t.Fatal("expected an event from the stream")
	}
	if ev.Type != EventDone {
		t.Errorf("expected done event, got %s", ev.Type)
	}
}

func TestRetryableStreamChat_ExhaustsRetries(t *testing.T) {
	flaky := &flakyProvider{failures: 10, failWith: connectionError()}
	rp := NewRetryableProvider(flaky, fastRetryConfig(1))

	_, err := rp.StreamChat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if flaky.streams != 2 {
		t.Errorf("expected 2 open attempts, got %d", flaky.streams)
	}
}

func TestRetryableProvider_Delegation(t *testing.T) {
	inner := &mockProvider{name: "inner"}
	rp := NewRetryableProvider(inner, DefaultRetryConfig())

	if rp.Name() != "inner" {
		t.Errorf("expected delegated name inner, got %s", rp.Name())
	}
	if got := rp.CountTokens([]Message{{Content: "a"}, {Content: "b"}}); got != 2 {
		t.Errorf("expected delegated token count 2, got %d", got)
	}
	if got := rp.EstimateCost(100, 100); got != 0 {
		t.Errorf("expected delegated cost 0, got %f", got)
	}
	if err := rp.ValidateConfig(context.Background()); err != nil {
		t.Errorf("expected delegated validation to pass: %v", err)
	}
}

func TestCustomRetryableErrors(t *testing.T) {
	sentinel := errors.New("try again")
	flaky := &flakyProvider{failures: 1, failWith: sentinel}

	cfg := fastRetryConfig(2)
	cfg.RetryableErrors = func(err error) bool { return errors.Is(err, sentinel) }
	rp := NewRetryableProvider(flaky, cfg)

	if _, err := rp.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("expected recovery with custom classifier, got %v", err)
	}
	if flaky.chats != 2 {
		t.Errorf("expected 2 attempts, got %d", flaky.chats)
	}
}

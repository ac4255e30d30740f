package llm

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/tombee/parley/pkg/errors"
)

// mockProvider is a simple mock for testing.
type mockProvider struct {
	name string
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	return &Response{Content: "ok", Model: m.name}, nil
}

func (m *mockProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, 1)
	ch <- DoneEvent(0, 0, m.name, nil)
	close(ch)
	return ch, nil
}

func (m *mockProvider) CountTokens(messages []Message) int {
	return len(messages)
}

func (m *mockProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return 0
}

func (m *mockProvider) ValidateConfig(ctx context.Context) error {
	return nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	provider := &mockProvider{name: "test-provider"}

	if err := reg.Register(provider); err != nil {
		t.Fatalf("failed to register provider: %v", err)
	}

	retrieved, err := reg.Get("test-provider")
	if err != nil {
		t.Fatalf("failed to get provider: %v", err)
	}
	if retrieved.Name() != "test-provider" {
		t.Errorf("expected name test-provider, got %s", retrieved.Name())
	}
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(nil); !errors.Is(err, ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider for nil, got %v", err)
	}

	if err := reg.Register(&mockProvider{name: ""}); !errors.Is(err, ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider for empty name, got %v", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("missing")
	var notFound *pkgerrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Resource != "provider" {
		t.Errorf("expected resource provider, got %s", notFound.Resource)
	}
}

func TestRegistry_FactoryActivation(t *testing.T) {
	reg := NewRegistry()

	created := 0
	reg.RegisterFactory("stub", func(cfg Config) (Provider, error) {
		created++
		return &mockProvider{name: "stub"}, nil
	})

	if err := reg.Activate("stub", Config{Model: "m"}); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	// Second activation is a no-op.
	if err := reg.Activate("stub", Config{Model: "m"}); err != nil {
		t.Fatalf("re-activate failed: %v", err)
	}
	if created != 1 {
		t.Errorf("expected one factory invocation, got %d", created)
	}

	if _, err := reg.Get("stub"); err != nil {
		t.Errorf("expected activated provider to be registered: %v", err)
	}
}

func TestRegistry_ActivateUnknownFactory(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Activate("nope", Config{}); !errors.Is(err, ErrFactoryNotFound) {
		t.Errorf("expected ErrFactoryNotFound, got %v", err)
	}
}

func TestRegistry_Default(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.GetDefault(); !errors.Is(err, ErrNoDefaultProvider) {
		t.Errorf("expected ErrNoDefaultProvider, got %v", err)
	}

	if err := reg.SetDefault("missing"); err == nil {
		t.Error("expected SetDefault to fail for an unregistered provider")
	}

	if err := reg.Register(&mockProvider{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetDefault("a"); err != nil {
		t.Fatal(err)
	}

	p, err := reg.GetDefault()
	if err != nil {
		t.Fatalf("expected default provider: %v", err)
	}
	if p.Name() != "a" {
		t.Errorf("expected default a, got %s", p.Name())
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&mockProvider{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	names := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestNewProviderFromDefaultRegistry(t *testing.T) {
	RegisterFactory("registry-test-stub", func(cfg Config) (Provider, error) {
		return &mockProvider{name: "registry-test-stub"}, nil
	})

	p, err := NewProvider("registry-test-stub", Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "registry-test-stub" {
		t.Errorf("unexpected provider name %s", p.Name())
	}

	if _, err := NewProvider("never-registered", Config{}); !errors.Is(err, ErrFactoryNotFound) {
		t.Errorf("expected ErrFactoryNotFound, got %v", err)
	}
}

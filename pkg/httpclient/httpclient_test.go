package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			modify: func(c *Config) {},
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Timeout = 0 },
			wantErr: "timeout",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.RetryAttempts = -1 },
			wantErr: "retry_attempts",
		},
		{
			name: "backoff cap below initial",
			modify: func(c *Config) {
				c.RetryBackoff = 5 * time.Second
				c.MaxBackoff = time.Second
			},
			wantErr: "max_backoff",
		},
		{
			name:    "empty user agent",
			modify:  func(c *Config) { c.UserAgent = "" },
			wantErr: "user_agent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserAgent = ""

	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for invalid config")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond

	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestNoRetryForPOSTByDefault(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond

	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Post(srv.URL, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt for POST, got %d", got)
	}
}

func TestUserAgentInjection(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "parley-test/1.0"

	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotUA != "parley-test/1.0" {
		t.Errorf("expected injected User-Agent, got %q", gotUA)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
	}))
	defer srv.Close()

	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req = req.WithContext(WithRequestID(req.Context(), "req-42"))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotID != "req-42" {
		t.Errorf("expected propagated request ID, got %q", gotID)
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "api key redacted",
			in:   "https://example.com/v1?api_key=sk-secret&model=x",
			want: "api_key=%5BREDACTED%5D",
		},
		{
			name: "case insensitive",
			in:   "https://example.com/v1?API_KEY=sk-secret",
			want: "API_KEY=%5BREDACTED%5D",
		},
		{
			name: "plain params untouched",
			in:   "https://example.com/v1?model=x&limit=5",
			want: "limit=5&model=x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			got := sanitizeURL(u)
			if !strings.Contains(got, tt.want) {
				t.Errorf("sanitizeURL(%q) = %q, want it to contain %q", tt.in, got, tt.want)
			}
			if strings.Contains(got, "sk-secret") {
				t.Errorf("sanitized URL still contains the secret: %q", got)
			}
		})
	}
}

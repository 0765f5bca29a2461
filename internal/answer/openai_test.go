package answer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func completionBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
	})
	return string(b)
}

func TestOpenAIGenerator_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("All set.")))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("key", srv.URL, "test-model")
	g.retry = testRetryConfig()

	resp, err := g.Generate(context.Background(), Request{Query: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "All set." {
		t.Errorf("Text = %q, want %q", resp.Text, "All set.")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("request count = %d, want 3 (two transient failures, then success)", n)
	}
}

func TestOpenAIGenerator_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("key", srv.URL, "test-model")
	g.retry = testRetryConfig()

	_, err := g.Generate(context.Background(), Request{Query: "hi"})
	if err == nil {
		t.Fatal("Generate succeeded, want error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Errorf("error = %v, want HTTPError with status 400", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("request count = %d, want 1 (client errors are final)", n)
	}
}

func TestOpenAIGenerator_GivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "still overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("key", srv.URL, "test-model")
	g.retry = testRetryConfig()

	_, err := g.Generate(context.Background(), Request{Query: "hi"})
	if err == nil {
		t.Fatal("Generate succeeded, want error")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("request count = %d, want 3 (MaxAttempts)", n)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"not-a-number", 0},
		{"-2", 0},
		{"7", 7 * time.Second},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.in); got != c.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("default config should be disabled")
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("expected RetryDelay 5s, got %v", cfg.RetryDelay)
	}
	if cfg.AsyncQueueSize != 100 {
		t.Errorf("expected AsyncQueueSize 100, got %d", cfg.AsyncQueueSize)
	}
}

func testConfig(url string, events ...string) *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		AsyncQueueSize: 10,
		Hooks: []HookConfig{
			{URL: url, Events: events, Enabled: true, Secret: "s3cret"},
		},
	}
}

func TestClientSendSync(t *testing.T) {
	var received map[string]any
	var signature, eventHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Lvsnap-Signature")
		eventHeader = r.Header.Get("X-Lvsnap-Event")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "finish"), nil)
	defer client.Close()

	event := Event{Event: "finish", RunID: "run-1", Volume: "vg0/data", Snapshot: "data_snapshot"}
	if err := client.Send(context.Background(), event, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if received["event"] != "finish" || received["snapshot"] != "data_snapshot" {
		t.Errorf("unexpected payload %v", received)
	}
	if received["timestamp"] == "" || received["timestamp"] == nil {
		t.Error("expected timestamp to be filled in")
	}
	if eventHeader != "finish" {
		t.Errorf("expected event header finish, got %q", eventHeader)
	}
	if len(signature) != len("sha256=")+64 {
		t.Errorf("unexpected signature %q", signature)
	}
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"event":"finish"}`)
	if Sign(payload, "a") == Sign(payload, "b") {
		t.Error("different secrets must give different signatures")
	}
	if Sign(payload, "a") != Sign(payload, "a") {
		t.Error("signature must be deterministic")
	}
}

func TestClientSkipsUnsubscribedEvents(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "error"), nil)
	defer client.Close()

	if err := client.Send(context.Background(), Event{Event: "pre-mount"}, false); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no calls, got %d", calls.Load())
	}
	if len(client.Matching("error")) != 1 {
		t.Error("expected error hook to match")
	}
}

func TestClientWildcard(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:1", "*"), nil)
	defer client.Close()
	if len(client.Matching("post-remove")) != 1 {
		t.Error("wildcard should match every event")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "finish"), nil)
	defer client.Close()

	if err := client.Send(context.Background(), Event{Event: "finish"}, false); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "finish"), nil)
	defer client.Close()

	if err := client.Send(context.Background(), Event{Event: "finish"}, false); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "finish"), nil)
	defer client.Close()

	if err := client.Send(context.Background(), Event{Event: "finish"}, false); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestClientAsyncDeliveredOnClose(t *testing.T) {
	var mu sync.Mutex
	var events []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		json.NewDecoder(r.Body).Decode(&e)
		mu.Lock()
		events = append(events, e.Event)
		mu.Unlock()
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL, "*"), nil)
	for _, name := range []string{"initialize", "post-mount", "finish"} {
		if err := client.Send(context.Background(), Event{Event: name}, true); err != nil {
			t.Fatal(err)
		}
	}
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Errorf("expected 3 delivered events, got %v", events)
	}
}

func TestClientDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "*")
	cfg.Enabled = false
	client := NewClient(cfg, nil)
	defer client.Close()

	if err := client.Send(context.Background(), Event{Event: "finish"}, false); err != nil {
		t.Errorf("disabled client should not fail: %v", err)
	}
}

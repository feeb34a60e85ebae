package qstash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublishSendsToDestination(t *testing.T) {
	t.Parallel()

	var (
		gotPath    string
		gotAuth    string
		gotRetries string
		gotForward string
		gotBody    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotRetries = r.Header.Get("Upstash-Retries")
		gotForward = r.Header.Get("Upstash-Forward-X-Order-Id")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		fmt.Fprint(w, `{"messageId":"msg_1"}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL, Token: "tok", Retries: 2})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.WithHTTPClient(server.Client())

	resp, err := client.Publish(context.Background(), "https://hooks.example.com/orders",
		[]byte(`{"order_id":"o1"}`), map[string]string{"X-Order-Id": "o1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if resp.MessageID != "msg_1" {
		t.Fatalf("MessageID = %q", resp.MessageID)
	}
	if gotPath != "/v2/publish/https://hooks.example.com/orders" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" || gotRetries != "2" || gotForward != "o1" {
		t.Fatalf("headers auth=%q retries=%q forward=%q", gotAuth, gotRetries, gotForward)
	}
	if gotBody != `{"order_id":"o1"}` {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestPublishReturnsStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad destination", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	client := MustNew(Config{URL: server.URL, Token: "tok"}).WithHTTPClient(server.Client())
	_, err := client.Publish(context.Background(), "https://hooks.example.com", []byte(`{}`), nil)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Publish() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("StatusCode = %d", statusErr.StatusCode)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{URL: "https://qstash.upstash.io"}); err == nil {
		t.Fatal("expected error for missing token")
	}
	if (Config{}).Enabled() {
		t.Fatal("empty config reported enabled")
	}
}

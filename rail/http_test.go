package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientTransfer(t *testing.T) {
	var gotIdempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(map[string]string{"id": "tr_123"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", 5*time.Second)
	ref, err := client.Transfer(context.Background(), TransferParams{
		Destination:    "user-1",
		Amount:         72000,
		Currency:       "USD",
		IdempotencyKey: "key-abc",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ref != "tr_123" {
		t.Fatalf("expected ref tr_123 got %q", ref)
	}
	if gotIdempotencyKey != "key-abc" {
		t.Fatalf("expected idempotency key to be forwarded, got %q", gotIdempotencyKey)
	}
}

func TestHTTPClientClassifiesServerErrorsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", 5*time.Second)
	_, err := client.Refund(context.Background(), RefundParams{ExternalRef: "ch_1", Amount: 100, IdempotencyKey: "k"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if IsRejected(err) {
		t.Fatalf("5xx must not classify as rejected: %v", err)
	}
}

func TestHTTPClientClassifiesClientErrorsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"code": "insufficient_funds", "message": "card declined"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", 5*time.Second)
	_, err := client.Transfer(context.Background(), TransferParams{Destination: "u", Amount: 100, Currency: "USD", IdempotencyKey: "k"})
	if !IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("4xx must not classify as transient: %v", err)
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewHTTPClient(srv.URL, "secret", time.Second)
	_, err := client.Transfer(context.Background(), TransferParams{Destination: "u", Amount: 100, Currency: "USD", IdempotencyKey: "k"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHTTPClientMissingReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", 5*time.Second)
	_, err := client.Transfer(context.Background(), TransferParams{Destination: "u", Amount: 100, Currency: "USD", IdempotencyKey: "k"})
	if !IsTransient(err) {
		t.Fatalf("a 2xx without a reference should be retried, got %v", err)
	}
}

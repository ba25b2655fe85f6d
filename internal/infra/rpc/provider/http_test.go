package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProvider_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req["jsonrpc"] != "2.0" {
			t.Errorf("expected jsonrpc 2.0, got %v", req["jsonrpc"])
		}

		switch req["method"] {
		case "getSlot":
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": 42})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req["id"],
				"error":   map[string]any{"code": -32601, "message": "Method not found"},
			})
		}
	}))
	defer server.Close()

	p := NewHTTPProvider("solana", "test", server.URL, 5*time.Second)

	raw, err := p.Call(context.Background(), "getSlot")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var slot uint64
	if err := Into(raw, &slot); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if slot != 42 {
		t.Errorf("expected slot 42, got %d", slot)
	}

	_, err = p.Call(context.Background(), "bogus")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("expected code -32601, got %d", rpcErr.Code)
	}

	h := p.Health()
	if h.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %v", h.ErrorRate)
	}
}

func TestHTTPProvider_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := NewHTTPProvider("ethereum", "test", server.URL, time.Second)
	for i := 0; i < 6; i++ {
		if _, err := p.Call(context.Background(), "eth_blockNumber"); err == nil {
			t.Fatal("expected error")
		}
	}
	if p.IsAvailable() {
		t.Error("expected endpoint to be unavailable after repeated 429s")
	}
}

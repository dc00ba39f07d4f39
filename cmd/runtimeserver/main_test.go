package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetBlockCountProbe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":12345}`))
	}))
	defer srv.Close()

	probe := getBlockCountProbe(&http.Client{Timeout: time.Second})
	latency, err := probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if latency < 0 {
		t.Fatalf("expected non-negative latency, got %s", latency)
	}
}

func TestGetBlockCountProbe_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`))
	}))
	defer srv.Close()

	probe := getBlockCountProbe(&http.Client{Timeout: time.Second})
	if _, err := probe(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for an RPC-level error response")
	}
}

func TestGetBlockCountProbe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	probe := getBlockCountProbe(&http.Client{Timeout: time.Second})
	if _, err := probe(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for a non-200 response")
	}
}

func TestUnconfiguredAdapters_FailClosed(t *testing.T) {
	ctx := context.Background()

	if _, err := (unconfiguredChainReader{}).GetActiveBin(ctx, "pool"); err == nil {
		t.Fatal("expected unconfigured ChainReader to error")
	}
	if _, _, err := (unconfiguredChainWriter{}).OpenPosition(ctx, "pool", 0, 1, "", "0", "0", 50); err == nil {
		t.Fatal("expected unconfigured ChainWriter to error")
	}
	if _, err := (unconfiguredAggregator{}).Quote(ctx, "in", "out", "0", 50, nil); err == nil {
		t.Fatal("expected unconfigured Aggregator to error")
	}
}

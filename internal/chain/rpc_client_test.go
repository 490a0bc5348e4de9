package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	testToken  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testSender = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testRecip  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testTxHash = common.HexToHash("0x01")
)

// rpcServer answers each method with a fixed result.
func rpcServer(t *testing.T, results map[string]interface{}, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if calls != nil {
			calls.Add(1)
		}

		result, ok := results[req.Method]
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func transferLogJSON(block uint64, logIndex uint) map[string]interface{} {
	return map[string]interface{}{
		"address":          testToken,
		"topics":           []common.Hash{TransferTopic, common.BytesToHash(testSender.Bytes()), common.BytesToHash(testRecip.Bytes())},
		"data":             hexutil.Bytes(common.LeftPadBytes([]byte{0x03, 0xe8}, 32)),
		"blockNumber":      hexutil.Uint64(block),
		"transactionHash":  testTxHash,
		"transactionIndex": hexutil.Uint(0),
		"blockHash":        common.HexToHash("0xbb"),
		"logIndex":         hexutil.Uint(logIndex),
		"removed":          false,
	}
}

func TestHTTPClient_BlockNumber(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{"eth_blockNumber": "0x1b4"}, nil)
	defer server.Close()

	client, err := NewHTTPClient(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 436 {
		t.Errorf("expected 436, got %d", n)
	}
}

func TestHTTPClient_GetLogs(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64                   `json:"id"`
			Method string                   `json:"method"`
			Params []map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "eth_getLogs" {
			t.Errorf("expected eth_getLogs, got %s", req.Method)
		}
		captured = req.Params[0]

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  []interface{}{transferLogJSON(100, 0), transferLogJSON(101, 4)},
		})
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	filter := TransferFilter(testToken)
	filter.FromBlock, filter.ToBlock = 100, 199
	logs, err := client.GetLogs(context.Background(), filter)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}

	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[1].BlockNumber != 101 || logs[1].Index != 4 {
		t.Errorf("unexpected position: block %d index %d", logs[1].BlockNumber, logs[1].Index)
	}
	if logs[0].Topics[0] != TransferTopic {
		t.Errorf("unexpected topic0 %s", logs[0].Topics[0].Hex())
	}

	if captured["fromBlock"] != "0x64" || captured["toBlock"] != "0xc7" {
		t.Errorf("unexpected range %v..%v", captured["fromBlock"], captured["toBlock"])
	}
	if _, ok := captured["topics"]; !ok {
		t.Error("expected topics in filter")
	}
}

func TestHTTPClient_GetLogs_InvalidRange(t *testing.T) {
	client, err := NewHTTPClient("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.GetLogs(context.Background(), LogFilter{FromBlock: 10, ToBlock: 5})
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestHTTPClient_BlockTimestamp_Cached(t *testing.T) {
	var calls atomic.Int32
	server := rpcServer(t, map[string]interface{}{
		"eth_getBlockByNumber": map[string]interface{}{
			"number":    "0x64",
			"timestamp": "0x6553f100",
		},
	}, &calls)
	defer server.Close()

	client, err := NewHTTPClient(server.URL, WithBlockCacheSize(8))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	for i := 0; i < 3; i++ {
		ts, err := client.BlockTimestamp(context.Background(), 100)
		if err != nil {
			t.Fatalf("BlockTimestamp: %v", err)
		}
		if ts != 1700000000 {
			t.Errorf("expected 1700000000, got %d", ts)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("expected 1 RPC call, got %d", calls.Load())
	}
}

func TestHTTPClient_BlockTimestamp_NotFound(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{"eth_getBlockByNumber": nil}, nil)
	defer server.Close()

	client, err := NewHTTPClient(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	if _, err := client.BlockTimestamp(context.Background(), 5); err == nil {
		t.Fatal("expected error for missing block")
	}
}

func TestHTTPClient_RetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0x1"})
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL,
		WithRetryDelay(10*time.Millisecond),
		WithMaxDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_MaxRetriesExceeded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL,
		WithMaxRetries(2),
		WithRetryDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	if _, err := client.BlockNumber(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := rpcServer(t, map[string]interface{}{}, &calls)
	defer server.Close()

	client, err := NewHTTPClient(server.URL, WithRetryDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.BlockNumber(context.Background())
	if err == nil {
		t.Fatal("expected RPC error")
	}
	if _, ok := err.(*rpcError); !ok {
		t.Errorf("expected *rpcError, got %T", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, WithRetryDelay(time.Second))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.BlockNumber(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

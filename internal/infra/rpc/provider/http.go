package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/custody/internal/trading/metrics"
)

// HTTPProvider implements Endpoint for JSON-RPC over HTTP.
type HTTPProvider struct {
	network    string
	name       string
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *Monitor
}

// NewHTTPProvider creates a new HTTP-based RPC endpoint.
func NewHTTPProvider(network, name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		network:  network,
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available: true,
			Status:    StatusHealthy.String(),
		},
		Monitor: NewMonitor(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(p.network, p.name, method).Inc()

	result, err := p.call(ctx, method, params)
	latency := time.Since(start)
	metrics.RPCLatency.WithLabelValues(p.network, p.name, method).Observe(latency.Seconds())

	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.network, p.name, method).Inc()
		p.recordFailure()
		return nil, err
	}

	p.Monitor.RecordRequest(latency)
	p.recordSuccess(latency)
	return result, nil
}

func (p *HTTPProvider) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	// Pre-call checks
	if status := p.Monitor.Status(); status == StatusThrottled || status == StatusBlocked {
		return nil, fmt.Errorf("endpoint %s %s, retry after: %v", p.name, status, p.Monitor.RetryAfter())
	}

	if params == nil {
		params = []any{}
	}
	jsonData, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	// Rate limit detection
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, retryAfter)
		return nil, fmt.Errorf("rate limited (429), retry after: %s", retryAfter)
	}

	// IP blocked detection
	if resp.StatusCode == http.StatusForbidden {
		p.Monitor.RecordThrottle(http.StatusForbidden, "")
		return nil, fmt.Errorf("ip blocked (403)")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if p.Monitor.DetectThrottlePattern(string(body)) {
			return nil, fmt.Errorf("throttle detected in response: %s", string(body))
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if rpcResp.Error != nil {
		if p.Monitor.DetectThrottlePattern(rpcResp.Error.Message) {
			return nil, fmt.Errorf("throttle in rpc error: %w", rpcResp.Error)
		}
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Name returns the endpoint's name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// URL returns the endpoint URL.
func (p *HTTPProvider) URL() string {
	return p.endpoint
}

// Health returns the endpoint's health status.
func (p *HTTPProvider) Health() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := p.health
	h.Status = p.Monitor.Status().String()
	return h
}

// IsAvailable checks if the endpoint is available.
func (p *HTTPProvider) IsAvailable() bool {
	status := p.Monitor.Status()
	return status == StatusHealthy || status == StatusDegraded
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.requestCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.health.Available = true

	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.requestCount++
	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)

	if p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}

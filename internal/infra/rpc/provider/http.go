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

	"github.com/vietddude/blockstor/internal/indexing/metrics"
)

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	user       string
	password   string
	httpClient *http.Client
	nextID     atomic.Uint64

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *ProviderMonitor
}

var _ RPCProvider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
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
			Available:     true,
			LastSuccessAt: time.Now(),
		},
		Monitor: NewProviderMonitor(),
	}
}

// WithBasicAuth sets the credentials sent with every request.
func (p *HTTPProvider) WithBasicAuth(user, password string) *HTTPProvider {
	p.user = user
	p.password = password
	return p
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     any             `json:"id"`
}

// Execute performs an operation.
func (p *HTTPProvider) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	return p.call(ctx, op.Name, op.Params, op.JSONRPCVersion)
}

// Call makes a single JSON-RPC 1.0 call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return p.call(ctx, method, params, "1.0")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

func (p *HTTPProvider) newRequest(version, method string, params []any) rpcRequest {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{Method: method, Params: params, ID: p.nextID.Add(1)}
	if version == "2.0" {
		req.JSONRPC = version
	}
	return req
}

func (p *HTTPProvider) call(ctx context.Context, method string, params []any, version string) (json.RawMessage, error) {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(p.name, method).Inc()

	// Pre-call checks
	if status := p.Monitor.CheckProviderStatus(); status == StatusThrottled {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "throttled").Inc()
		return nil, fmt.Errorf("provider throttled, retry after: %v", p.Monitor.GetRetryAfter())
	}

	body, err := p.post(ctx, p.newRequest(version, method, params))
	if err != nil {
		p.observe(0, true)
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		p.observe(0, true)
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "parse").Inc()
		return nil, fmt.Errorf("parse response: %w", err)
	}

	latency := time.Since(start)
	metrics.RPCLatency.WithLabelValues(p.name, method).Observe(latency.Seconds())

	if rpcResp.Error != nil {
		// A node-reported error still means the node is reachable.
		p.Monitor.RecordRequest(latency)
		p.observe(latency, false)
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "rpc").Inc()
		return nil, rpcResp.Error
	}

	p.Monitor.RecordRequest(latency)
	p.observe(latency, false)
	return rpcResp.Result, nil
}

// post sends a request body and returns the raw response. The node answers
// some RPC errors with a non-200 status and a JSON body, so those bodies are
// returned for the caller to decode.
func (p *HTTPProvider) post(ctx context.Context, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.user != "" || p.password != "" {
		req.SetBasicAuth(p.user, p.password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "transport").Inc()
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		p.Monitor.RecordThrottle(resp.StatusCode, retryAfter)
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "throttled").Inc()
		return nil, fmt.Errorf("rate limited (429), retry after: %s", retryAfter)
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "auth").Inc()
		return nil, fmt.Errorf("unauthorized (%d)", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && !json.Valid(body) {
		if p.Monitor.DetectThrottlePattern(string(body)) {
			p.Monitor.RecordThrottle(resp.StatusCode, "")
			metrics.RPCErrorsTotal.WithLabelValues(p.name, "throttled").Inc()
			return nil, fmt.Errorf("throttle detected in response: %s", string(body))
		}
		metrics.RPCErrorsTotal.WithLabelValues(p.name, "http").Inc()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// BatchCall makes multiple JSON-RPC 1.0 calls in one request.
func (p *HTTPProvider) BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	start := time.Now()

	batch := make([]rpcRequest, len(requests))
	slot := make(map[uint64]int, len(requests))
	for i, r := range requests {
		batch[i] = p.newRequest("1.0", r.Method, r.Params)
		slot[batch[i].ID] = i
		metrics.RPCCallsTotal.WithLabelValues(p.name, r.Method).Inc()
	}

	body, err := p.post(ctx, batch)
	if err != nil {
		p.observe(0, true)
		return nil, fmt.Errorf("batch call: %w", err)
	}

	var batchResp []struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		ID     uint64          `json:"id"`
	}
	if err := json.Unmarshal(body, &batchResp); err != nil {
		p.observe(0, true)
		return nil, fmt.Errorf("parse batch response: %w", err)
	}

	// Responses may arrive in any order; match them by id.
	responses := make([]BatchResponse, len(requests))
	for i := range responses {
		responses[i].Error = fmt.Errorf("missing response for %s", requests[i].Method)
	}
	for _, r := range batchResp {
		i, ok := slot[r.ID]
		if !ok {
			continue
		}
		if r.Error != nil {
			responses[i] = BatchResponse{Error: r.Error}
		} else {
			responses[i] = BatchResponse{Result: r.Result}
		}
	}

	latency := time.Since(start)
	p.Monitor.RecordRequest(latency)
	p.observe(latency, false)
	return responses, nil
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := p.health
	stats := p.Monitor.GetStats()
	h.MonitorStats = &stats
	return h
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// IsAvailable checks if the provider is available.
func (p *HTTPProvider) IsAvailable() bool {
	status := p.Monitor.CheckProviderStatus()
	return status == StatusHealthy || status == StatusDegraded
}

// observe folds one request outcome into the health snapshot. A provider
// whose error rate passes one half is reported unavailable until a request
// succeeds again.
func (p *HTTPProvider) observe(latency time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.requestCount++
	if failed {
		p.failureCount++
		p.health.LastFailureAt = now
	} else {
		p.successCount++
		p.totalLatency += latency
		p.health.LastSuccessAt = now
		p.health.Latency = p.totalLatency / time.Duration(p.successCount)
	}
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	p.health.Available = !failed || p.health.ErrorRate <= 0.5
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vietddude/polywatch/internal/metrics"
)

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	wsEndpoint string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewHTTPProvider creates a new HTTP-based RPC provider. wsEndpoint may be
// empty, in which case the stream URL is derived from endpoint.
func NewHTTPProvider(name, endpoint, wsEndpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:       name,
		endpoint:   endpoint,
		wsEndpoint: wsEndpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name returns the provider's name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// URL returns the HTTP endpoint.
func (p *HTTPProvider) URL() string {
	return p.endpoint
}

// StreamURL returns the configured websocket endpoint or one derived from URL.
func (p *HTTPProvider) StreamURL() string {
	if p.wsEndpoint != "" {
		return p.wsEndpoint
	}
	return StreamURLFor(p.endpoint)
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (any, error) {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(p.name, method).Inc()

	result, err := p.call(ctx, method, params)
	metrics.RPCLatency.WithLabelValues(p.name, method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.name, method).Inc()
		return nil, err
	}
	return result, nil
}

func (p *HTTPProvider) call(ctx context.Context, method string, params []any) (any, error) {
	if params == nil {
		params = []any{}
	}
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      p.nextID.Add(1),
	}

	jsonData, err := json.Marshal(reqBody)
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp struct {
		Result any             `json:"result"`
		Error  *map[string]any `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if rpcResp.Error != nil {
		errMsg := "unknown error"
		if msg, ok := (*rpcResp.Error)["message"].(string); ok {
			errMsg = msg
		}
		return nil, fmt.Errorf("rpc error: %s", errMsg)
	}

	return rpcResp.Result, nil
}

// BlockNumber returns the latest block number.
func (p *HTTPProvider) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := p.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	hex, ok := result.(string)
	if !ok {
		return 0, fmt.Errorf("invalid block number response: %v", result)
	}
	return parseHexUint(hex)
}

// Balance returns the native balance of address.
func (p *HTTPProvider) Balance(ctx context.Context, address string) (*big.Int, error) {
	result, err := p.Call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	hex, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("invalid balance response: %v", result)
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(hex, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid balance hex %q", hex)
	}
	return v, nil
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func parseHexUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return v, nil
}

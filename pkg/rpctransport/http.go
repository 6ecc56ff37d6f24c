package rpctransport

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

	"github.com/chainwire/indexcore/pkg/utils"
	"go.uber.org/zap"
)

// HTTPTransport is a Transport over plain JSON-RPC-over-HTTP, carrying the
// same token-bucket-plus-circuit-breaker shape as the teacher's
// rpc.HTTPClient, generalized from a single chain's set of endpoints to one
// endpoint set per chain ID (an indexer core, unlike a single-chain indexer,
// talks to many chains at once).
type HTTPTransport struct {
	logger *zap.Logger
	client *http.Client

	mu        sync.Mutex
	endpoints map[uint64][]string

	maxTokens   int64
	refillEvery time.Duration
	tokens      map[uint64]*int64
	lastRefill  map[uint64]*atomic.Value

	breakerThreshold int
	breakerCooldown  time.Duration
	failures         map[string]int
	opened           map[string]time.Time
}

// HTTPOpts configures an HTTPTransport. Zero values are replaced with the
// same defaults the teacher's rpc.Opts uses.
type HTTPOpts struct {
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTP builds an HTTPTransport with no endpoints registered yet; call
// AddEndpoints per chain before issuing calls against that chain.
func NewHTTP(logger *zap.Logger, o HTTPOpts) *HTTPTransport {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPTransport{
		logger:           logger,
		client:           client,
		endpoints:        map[uint64][]string{},
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		tokens:           map[uint64]*int64{},
		lastRefill:       map[uint64]*atomic.Value{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
	}
}

// AddEndpoints registers (deduplicated) RPC endpoints for a chain.
func (t *HTTPTransport) AddEndpoints(chainID uint64, endpoints ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[chainID] = utils.Dedup(append(t.endpoints[chainID], endpoints...))
	if _, ok := t.tokens[chainID]; !ok {
		tokens := t.maxTokens
		t.tokens[chainID] = &tokens
		lr := &atomic.Value{}
		lr.Store(time.Now())
		t.lastRefill[chainID] = lr
	}
}

func (t *HTTPTransport) refill(chainID uint64) {
	lr := t.lastRefill[chainID]
	tokens := t.tokens[chainID]
	last := lr.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= t.refillEvery {
		if atomic.LoadInt64(tokens) < t.maxTokens {
			atomic.AddInt64(tokens, 1)
		}
		lr.Store(now)
	}
}

func (t *HTTPTransport) acquire(ctx context.Context, chainID uint64) error {
	tokens := t.tokens[chainID]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t.refill(chainID)
		if atomic.LoadInt64(tokens) > 0 {
			atomic.AddInt64(tokens, -1)
			return nil
		}
		time.Sleep(t.refillEvery / 2)
	}
}

func (t *HTTPTransport) isOpen(ep string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.opened, ep)
		t.failures[ep] = 0
		return false
	}
	return true
}

func (t *HTTPTransport) noteFailure(ep string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ep]++
	if t.failures[ep] >= t.breakerThreshold {
		t.opened[ep] = time.Now().Add(t.breakerCooldown)
		t.logger.Warn("rpc endpoint circuit breaker tripped",
			zap.String("endpoint", ep),
			zap.Int("failures", t.failures[ep]),
			zap.Duration("cooldown", t.breakerCooldown))
	}
}

// drainAndClose discards the response body so the underlying connection can
// be reused, then closes it.
func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

type jsonRPCEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call implements Transport. It tries the chain's registered endpoints in
// registration order, starting from the first on every call and failing over
// to the next one, skipping any whose circuit breaker is open, and surfaces the
// RPC error message unchanged in the returned error (spec §4.4).
func (t *HTTPTransport) Call(ctx context.Context, chainID uint64, req Request) (json.RawMessage, error) {
	t.mu.Lock()
	endpoints := append([]string(nil), t.endpoints[chainID]...)
	t.mu.Unlock()
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpctransport: no endpoints registered for chain %d", chainID)
	}

	body, err := json.Marshal(jsonRPCEnvelope{JSONRPC: "2.0", ID: 1, Method: req.Method, Params: req.Params})
	if err != nil {
		return nil, fmt.Errorf("rpctransport: marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i < len(endpoints); i++ {
		ep := endpoints[i%len(endpoints)]
		if t.isOpen(ep) {
			t.logger.Debug("skipping endpoint with open circuit breaker",
				zap.Uint64("chain_id", chainID), zap.String("endpoint", ep))
			continue
		}
		if err := t.acquire(ctx, chainID); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpctransport: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(httpReq)
		if err != nil {
			lastErr = err
			t.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("rpctransport: server %d from %s", resp.StatusCode, ep)
			t.noteFailure(ep)
			_ = drainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("rpctransport: http %d from %s", resp.StatusCode, ep)
			_ = drainAndClose(resp.Body)
			continue
		}

		var rpcResp jsonRPCResponse
		decErr := json.NewDecoder(resp.Body).Decode(&rpcResp)
		_ = drainAndClose(resp.Body)
		if decErr != nil {
			lastErr = fmt.Errorf("rpctransport: decode response: %w", decErr)
			continue
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("rpctransport: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
		}
		return rpcResp.Result, nil
	}

	t.logger.Warn("rpc call exhausted all endpoints",
		zap.Uint64("chain_id", chainID), zap.String("method", req.Method), zap.Error(lastErr))
	return nil, lastErr
}

package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"trinity-symphony-coordination/node/internal/coordinator"
	"trinity-symphony-coordination/shared/config"
	"trinity-symphony-coordination/shared/metricsx"
)

// Executor forwards task assignments to a sidecar execution service over
// HTTP. Repeated failures open a circuit breaker so a dead sidecar does
// not stall every dispatched assignment for the full timeout.
type Executor struct {
	baseURL  string
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type execResponse struct {
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	Quality      float64         `json:"quality,omitempty"`
	LearningData map[string]any  `json:"learning_data,omitempty"`
}

func New(cfg config.Config) (*Executor, error) {
	if cfg.ExecutorURL == "" {
		return nil, errors.New("EXECUTOR_URL is required")
	}
	timeout := time.Duration(cfg.ExecutorMS) * time.Millisecond
	return &Executor{
		baseURL:  cfg.ExecutorURL,
		retryMax: cfg.ExecutorRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (e *Executor) Execute(ctx context.Context, input json.RawMessage) (coordinator.ExecResult, error) {
	if e == nil || e.http == nil {
		return coordinator.ExecResult{}, errors.New("executor not initialized")
	}
	if e.breaker.Open() {
		return coordinator.ExecResult{}, errors.New("executor circuit open")
	}
	body := input
	if len(body) == 0 {
		body = []byte("null")
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v1/execute", bytes.NewReader(body))
		if err != nil {
			return coordinator.ExecResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.http.Do(req)
		if err != nil {
			lastErr = err
			e.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = errors.New("executor service error")
			e.breaker.Fail()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			metricsx.IncExecutorRequest("failure")
			return coordinator.ExecResult{}, errors.New("executor request failed")
		}
		var out execResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if err != nil {
			e.breaker.Fail()
			metricsx.IncExecutorRequest("failure")
			return coordinator.ExecResult{}, err
		}
		e.breaker.Success()
		latency := time.Since(start)
		metricsx.IncExecutorRequest("success")
		metricsx.ObserveExecutorLatency(latency)
		if out.Error != "" {
			return coordinator.ExecResult{}, errors.New(out.Error)
		}
		return coordinator.ExecResult{
			Result:       out.Result,
			LatencyMS:    latency.Milliseconds(),
			Cost:         out.Cost,
			Quality:      out.Quality,
			LearningData: out.LearningData,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("executor request failed")
	}
	metricsx.IncExecutorRequest("failure")
	return coordinator.ExecResult{}, lastErr
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// Package httppolicy adapts a JSON-over-HTTP inference service to the
// learned-policy capability. Shapes are validated on both sides of the
// wire so a misconfigured model server can never push a malformed action
// vector into the decision path.
package httppolicy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arterial/traffic-grid-controller/providers/policy/contracts"
)

// Config configures the adapter.
type Config struct {
	Endpoint string        // base URL, e.g. http://policy:9091
	Timeout  time.Duration // per-call deadline, default 2s
	Client   *http.Client  // optional, default &http.Client{}

	// ProbeInterval caps how often IsReady re-probes /health. Between
	// probes the last observed readiness is reused. Default 5s.
	ProbeInterval time.Duration
}

// Adapter implements contracts.Policy against a REST inference service.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	ready     bool
	lastProbe time.Time
}

var _ contracts.Policy = (*Adapter)(nil)

// New constructs an adapter. Endpoint is required.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("policy endpoint is required")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

type predictRequest struct {
	Observation   []float64 `json:"observation"`
	Deterministic bool      `json:"deterministic"`
}

type predictResponse struct {
	Actions []int `json:"actions"`
}

// Predict sends the observation to the inference service and returns the
// per-junction action vector.
func (a *Adapter) Predict(ctx context.Context, observation []float64, deterministic bool) ([]int, error) {
	if err := contracts.ValidateObservation(observation); err != nil {
		return nil, err
	}

	body, err := json.Marshal(predictRequest{Observation: observation, Deterministic: deterministic})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.markReady(false)
		return nil, fmt.Errorf("%w: %v", contracts.ErrNotReady, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		a.markReady(false)
		return nil, fmt.Errorf("%w: predict returned 503", contracts.ErrNotReady)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("policy rejected predict: status %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	if err := contracts.ValidateActions(out.Actions); err != nil {
		return nil, err
	}
	a.markReady(true)
	return out.Actions, nil
}

// IsReady probes the service health endpoint, reusing the last result
// within ProbeInterval so the agent loop cadence is not amplified into a
// health-check storm.
func (a *Adapter) IsReady() bool {
	a.mu.Lock()
	if time.Since(a.lastProbe) < a.cfg.ProbeInterval {
		ready := a.ready
		a.mu.Unlock()
		return ready
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+"/health", nil)
	if err != nil {
		a.markReady(false)
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.markReady(false)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	a.markReady(resp.StatusCode == http.StatusOK)

	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	return ready
}

func (a *Adapter) markReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.lastProbe = time.Now()
	a.mu.Unlock()
}

// Package restsim adapts a JSON-over-HTTP microsimulation service to the
// simulator capability. Reads map to GET endpoints, signal commands to a
// POST; any transport failure normalizes to contracts.ErrUnavailable so
// perception degrades instead of aborting.
package restsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
	"github.com/arterial/traffic-grid-controller/providers/sim/contracts"
)

// Config configures the adapter.
type Config struct {
	Endpoint string        // base URL, e.g. http://sim:9090
	Timeout  time.Duration // per-call deadline, default 2s
	Client   *http.Client  // optional, default &http.Client{}
}

// Adapter implements contracts.Simulator against a REST endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
}

var _ contracts.Simulator = (*Adapter)(nil)

// New constructs an adapter. Endpoint is required.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("sim endpoint is required")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// GetVehicles implements the world-read capability.
func (a *Adapter) GetVehicles(ctx context.Context) ([]grid.VehicleSnapshot, error) {
	var out []grid.VehicleSnapshot
	if err := a.get(ctx, "/vehicles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJunctions implements the world-read capability.
func (a *Adapter) GetJunctions(ctx context.Context) ([]grid.JunctionSnapshot, error) {
	var out []grid.JunctionSnapshot
	if err := a.get(ctx, "/junctions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRoads implements the world-read capability.
func (a *Adapter) GetRoads(ctx context.Context) ([]grid.RoadSnapshot, error) {
	var out []grid.RoadSnapshot
	if err := a.get(ctx, "/roads", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetManualControls implements the world-read capability.
func (a *Adapter) GetManualControls(ctx context.Context) ([]grid.ManualControl, error) {
	var out []grid.ManualControl
	if err := a.get(ctx, "/manual-controls", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecentViolations implements the world-read capability.
func (a *Adapter) GetRecentViolations(ctx context.Context) ([]grid.Violation, error) {
	var out []grid.Violation
	if err := a.get(ctx, "/violations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

type signalCommand struct {
	JunctionID      string           `json:"junction_id"`
	Direction       grid.Direction   `json:"direction"`
	State           grid.SignalState `json:"state"`
	DurationSeconds float64          `json:"duration_seconds,omitempty"`
}

// SetSignalGreen implements the signal-write capability.
func (a *Adapter) SetSignalGreen(ctx context.Context, junctionID string, direction grid.Direction, duration time.Duration) error {
	return a.post(ctx, "/signals", signalCommand{
		JunctionID:      junctionID,
		Direction:       direction,
		State:           grid.SignalGreen,
		DurationSeconds: duration.Seconds(),
	})
}

// SetSignalRed implements the signal-write capability.
func (a *Adapter) SetSignalRed(ctx context.Context, junctionID string, direction grid.Direction) error {
	return a.post(ctx, "/signals", signalCommand{
		JunctionID: junctionID,
		Direction:  direction,
		State:      grid.SignalRed,
	})
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return checkStatus(resp, path)
}

func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", contracts.ErrUnknownJunction, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", contracts.ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("simulator rejected %s: status %d", path, resp.StatusCode)
	default:
		return nil
	}
}

// Package contracts defines the simulator capability the controller
// consumes. The core never talks to a concrete simulator; it holds one of
// these and treats every read as a snapshot it does not own.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

// ErrUnavailable is returned when the simulator cannot be reached. Callers
// treat it as a transient failure: log, fill the zero value, continue.
var ErrUnavailable = errors.New("simulator unavailable")

// ErrUnknownJunction rejects a signal command for a junction the simulator
// does not model.
var ErrUnknownJunction = errors.New("junction not found")

// Simulator is the full capability surface: the world-read half feeds
// perception, the signal-write half is driven by the action applier and
// the emergency corridor manager.
type Simulator interface {
	WorldReader
	SignalWriter
}

// WorldReader is the read half of the capability.
type WorldReader interface {
	GetVehicles(ctx context.Context) ([]grid.VehicleSnapshot, error)
	GetJunctions(ctx context.Context) ([]grid.JunctionSnapshot, error)
	GetRoads(ctx context.Context) ([]grid.RoadSnapshot, error)
	GetManualControls(ctx context.Context) ([]grid.ManualControl, error)
	GetRecentViolations(ctx context.Context) ([]grid.Violation, error)
}

// SignalWriter is the write half of the capability.
type SignalWriter interface {
	SetSignalGreen(ctx context.Context, junctionID string, direction grid.Direction, duration time.Duration) error
	SetSignalRed(ctx context.Context, junctionID string, direction grid.Direction) error
}

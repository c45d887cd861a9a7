package reward

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Weights scale each reward term. Penalty terms are subtracted, so all
// weights are expressed as positive magnitudes.
type Weights struct {
	Throughput float64 // reward per vehicle of throughput delta
	Waiting    float64 // reward per second of waiting-time improvement
	Balance    float64 // penalty per unit of cross-junction density spread
	Congestion float64 // penalty per congestion point
	Density    float64 // penalty per unit of city average density
	Emergency  float64 // flat bonus when a corridor completed this step
}

// DefaultWeights returns the training weights.
func DefaultWeights() Weights {
	return Weights{
		Throughput: 1.0,
		Waiting:    0.5,
		Balance:    0.3,
		Congestion: 2.0,
		Density:    0.1,
		Emergency:  5.0,
	}
}

// StepInput carries the state deltas one training step is scored on.
type StepInput struct {
	ThroughputDelta      float64
	PrevAvgWaitSeconds   float64
	CurrAvgWaitSeconds   float64
	JunctionAvgDensities []float64
	CongestionPoints     int
	CityAvgDensity       float64
	EmergencyHandled     bool
}

// Breakdown itemizes one step's reward. Total is the sum of the terms.
type Breakdown struct {
	Throughput float64 `json:"throughput"`
	Waiting    float64 `json:"waiting"`
	Balance    float64 `json:"balance"`
	Congestion float64 `json:"congestion"`
	Density    float64 `json:"density"`
	Emergency  float64 `json:"emergency"`
	Total      float64 `json:"total"`
}

// EpisodeSummary aggregates the rolling step buffer.
type EpisodeSummary struct {
	Steps  int     `json:"steps"`
	Total  float64 `json:"total"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// Config tunes the calculator.
type Config struct {
	Weights    Weights
	BufferSize int // rolling step buffer, default 1000
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// Calculator scores training steps. Compute is pure; Record keeps the
// rolling buffer episode summaries are built from. The runtime control
// path never constructs one.
type Calculator struct {
	cfg Config

	mu     sync.Mutex
	buffer []float64
}

// NewCalculator constructs a calculator with defaulted weights.
func NewCalculator(cfg Config) *Calculator {
	cfg = cfg.withDefaults()
	return &Calculator{cfg: cfg, buffer: make([]float64, 0, cfg.BufferSize)}
}

// Compute scores one step without touching the buffer.
func (c *Calculator) Compute(input StepInput) Breakdown {
	w := c.cfg.Weights
	breakdown := Breakdown{
		Throughput: input.ThroughputDelta * w.Throughput,
		Waiting:    (input.PrevAvgWaitSeconds - input.CurrAvgWaitSeconds) * w.Waiting,
		Balance:    -densitySpread(input.JunctionAvgDensities) * w.Balance,
		Congestion: -float64(input.CongestionPoints) * w.Congestion,
		Density:    -input.CityAvgDensity * w.Density,
	}
	if input.EmergencyHandled {
		breakdown.Emergency = w.Emergency
	}
	breakdown.Total = breakdown.Throughput + breakdown.Waiting + breakdown.Balance +
		breakdown.Congestion + breakdown.Density + breakdown.Emergency
	return breakdown
}

// Record scores one step and appends it to the rolling buffer. The oldest
// step falls off once the buffer is full.
func (c *Calculator) Record(input StepInput) Breakdown {
	breakdown := c.Compute(input)
	c.mu.Lock()
	if len(c.buffer) == c.cfg.BufferSize {
		copy(c.buffer, c.buffer[1:])
		c.buffer = c.buffer[:len(c.buffer)-1]
	}
	c.buffer = append(c.buffer, breakdown.Total)
	c.mu.Unlock()
	return breakdown
}

// Summary aggregates the buffered steps. A zero-step summary is all zeros.
func (c *Calculator) Summary() EpisodeSummary {
	c.mu.Lock()
	steps := make([]float64, len(c.buffer))
	copy(steps, c.buffer)
	c.mu.Unlock()

	if len(steps) == 0 {
		return EpisodeSummary{}
	}
	summary := EpisodeSummary{
		Steps: len(steps),
		Mean:  stat.Mean(steps, nil),
		Min:   steps[0],
		Max:   steps[0],
	}
	for _, step := range steps {
		summary.Total += step
		summary.Min = math.Min(summary.Min, step)
		summary.Max = math.Max(summary.Max, step)
	}
	if len(steps) > 1 {
		summary.StdDev = stat.StdDev(steps, nil)
	}
	return summary
}

// Reset clears the buffer for the next episode and returns the closing
// summary.
func (c *Calculator) Reset() EpisodeSummary {
	summary := c.Summary()
	c.mu.Lock()
	c.buffer = c.buffer[:0]
	c.mu.Unlock()
	return summary
}

// densitySpread is the population standard deviation across junction
// average densities. Fewer than two junctions have no spread.
func densitySpread(densities []float64) float64 {
	if len(densities) < 2 {
		return 0
	}
	return stat.PopStdDev(densities, nil)
}

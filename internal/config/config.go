package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/multierr"
)

// ErrorCode marks every configuration failure; the process must not start
// with a config the running core could trip over.
const ErrorCode = "config_error"

// Error is a startup-fatal configuration failure.
type Error struct {
	Code   string
	Detail string
	Err    error
}

func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e Error) Unwrap() error {
	return e.Err
}

func failure(detail string, err error) Error {
	return Error{Code: ErrorCode, Detail: detail, Err: err}
}

//go:embed schema.json
var schemaJSON string

// Thresholds are the density classification cut points.
type Thresholds struct {
	LowVehicles    int     `json:"lowVehicles"`
	MediumVehicles int     `json:"mediumVehicles"`
	LowScore       float64 `json:"lowScore"`
	MediumScore    float64 `json:"mediumScore"`
}

// Density tunes the tracker.
type Density struct {
	UpdateIntervalSeconds   float64    `json:"updateInterval"`
	HistoryRetentionSeconds float64    `json:"historyRetentionSeconds"`
	Thresholds              Thresholds `json:"thresholds"`
}

// UpdateInterval returns the tracker's throttle interval.
func (d Density) UpdateInterval() time.Duration {
	return seconds(d.UpdateIntervalSeconds)
}

// HistoryRetention returns the snapshot retention window.
func (d Density) HistoryRetention() time.Duration {
	return seconds(d.HistoryRetentionSeconds)
}

// Signal carries the single source of truth for signal timing; the rule
// engine and the conflict validator both read it, so min-green cannot
// drift between them.
type Signal struct {
	MinRedTimeSeconds       float64 `json:"minRedTime"`
	MinGreenTimeSeconds     float64 `json:"minGreenTime"`
	MaxGreenTimeSeconds     float64 `json:"maxGreenTime"`
	DefaultGreenTimeSeconds float64 `json:"defaultGreenTime"`
	YellowDurationSeconds   float64 `json:"yellowDuration"`
}

// MinRed returns the minimum RED dwell.
func (s Signal) MinRed() time.Duration { return seconds(s.MinRedTimeSeconds) }

// MinGreen returns the minimum GREEN dwell.
func (s Signal) MinGreen() time.Duration { return seconds(s.MinGreenTimeSeconds) }

// MaxGreen returns the forced-switch GREEN ceiling.
func (s Signal) MaxGreen() time.Duration { return seconds(s.MaxGreenTimeSeconds) }

// DefaultGreen returns the default GREEN grant.
func (s Signal) DefaultGreen() time.Duration { return seconds(s.DefaultGreenTimeSeconds) }

// Yellow returns the GREEN→RED bridge duration.
func (s Signal) Yellow() time.Duration { return seconds(s.YellowDurationSeconds) }

// Safety tunes the watchdog and the fail-safe hold. DefaultGreen is the
// one direction left GREEN when fail-safe forces everything else RED.
type Safety struct {
	CheckIntervalSeconds float64 `json:"checkInterval"`
	DefaultGreen         string  `json:"defaultGreen"`
}

// CheckInterval returns the watchdog cadence.
func (s Safety) CheckInterval() time.Duration { return seconds(s.CheckIntervalSeconds) }

// Emergency tunes the corridor manager.
type Emergency struct {
	LookaheadJunctions        int     `json:"lookaheadJunctions"`
	SignalHoldDurationSeconds float64 `json:"signalHoldDuration"`
	UpdateIntervalSeconds     float64 `json:"updateInterval"`
	AvgSpeedKmh               float64 `json:"avgSpeedKmh"`
}

// SignalHold returns the corridor GREEN hold duration.
func (e Emergency) SignalHold() time.Duration { return seconds(e.SignalHoldDurationSeconds) }

// UpdateInterval returns the corridor monitor cadence.
func (e Emergency) UpdateInterval() time.Duration { return seconds(e.UpdateIntervalSeconds) }

// Decision tunes strategy arbitration.
type Decision struct {
	RLFallbackOnError bool `json:"rlFallbackOnError"`
}

// Incident tunes the stall detector.
type Incident struct {
	WindowSeconds float64 `json:"windowSeconds"`
}

// Window returns the zero-flow observation window.
func (i Incident) Window() time.Duration { return seconds(i.WindowSeconds) }

// Logging selects the zap root logger's behavior.
type Logging struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"`
}

// Listen is an optional HTTP bind address; empty disables the surface.
type Listen struct {
	ListenAddr string `json:"listenAddr"`
}

// Endpoint is an HTTP collaborator; empty endpoint disables the adapter.
type Endpoint struct {
	Endpoint       string  `json:"endpoint"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
}

// Timeout returns the per-call deadline.
func (e Endpoint) Timeout() time.Duration { return seconds(e.TimeoutSeconds) }

// Archive configures S3 audit archival; empty bucket disables it.
type Archive struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix"`
}

// Bus bounds the event pipeline.
type Bus struct {
	QueueCapacity int `json:"queueCapacity"`
}

// Config is the full controller configuration. Interval-valued keys are
// seconds, matching the wire artifact.
type Config struct {
	LoopIntervalSeconds float64   `json:"loopInterval"`
	MaxErrors           int       `json:"maxErrors"`
	Density             Density   `json:"density"`
	Signal              Signal    `json:"signal"`
	Safety              Safety    `json:"safety"`
	Emergency           Emergency `json:"emergency"`
	Decision            Decision  `json:"decision"`
	Incident            Incident  `json:"incident"`
	Logging             Logging   `json:"logging"`
	Metrics             Listen    `json:"metrics"`
	Admin               Listen    `json:"admin"`
	Sim                 Endpoint  `json:"sim"`
	Policy              Endpoint  `json:"policy"`
	Archive             Archive   `json:"archive"`
	Bus                 Bus       `json:"bus"`
}

// LoopInterval returns the agent tick period.
func (c Config) LoopInterval() time.Duration { return seconds(c.LoopIntervalSeconds) }

// Default returns the documented defaults.
func Default() Config {
	return Config{
		LoopIntervalSeconds: 1,
		MaxErrors:           5,
		Density: Density{
			UpdateIntervalSeconds:   1,
			HistoryRetentionSeconds: 600,
			Thresholds: Thresholds{
				LowVehicles:    5,
				MediumVehicles: 12,
				LowScore:       40,
				MediumScore:    70,
			},
		},
		Signal: Signal{
			MinRedTimeSeconds:       2,
			MinGreenTimeSeconds:     10,
			MaxGreenTimeSeconds:     60,
			DefaultGreenTimeSeconds: 30,
			YellowDurationSeconds:   3,
		},
		Safety:    Safety{CheckIntervalSeconds: 2, DefaultGreen: "NORTH"},
		Emergency: Emergency{LookaheadJunctions: 5, SignalHoldDurationSeconds: 120, UpdateIntervalSeconds: 1, AvgSpeedKmh: 60},
		Decision:  Decision{RLFallbackOnError: true},
		Incident:  Incident{WindowSeconds: 60},
		Logging:   Logging{Level: "info", Encoding: "json"},
		Sim:       Endpoint{TimeoutSeconds: 2},
		Policy:    Endpoint{TimeoutSeconds: 1},
		Bus:       Bus{QueueCapacity: 1024},
	}
}

// Load reads the artifact at path (defaults only when path is empty),
// validates it against the embedded schema, applies TGC_* environment
// overrides, and rejects any config the core could not run with.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, failure(fmt.Sprintf("read config artifact %s", path), err)
		}
		if err := validateSchema(raw); err != nil {
			return Config{}, failure(fmt.Sprintf("config artifact %s violates schema", path), err)
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, failure(fmt.Sprintf("decode config artifact %s", path), err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return Config{}, failure(fmt.Sprintf("decode config artifact %s", path), fmt.Errorf("trailing data after top-level object"))
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, failure("config validation failed", err)
	}
	return cfg, nil
}

// Validate aggregates every violation so operators fix the artifact in
// one pass.
func Validate(cfg Config) error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.LoopIntervalSeconds > 0, "loopInterval must be > 0")
	check(cfg.MaxErrors >= 1, "maxErrors must be >= 1")
	check(cfg.Density.UpdateIntervalSeconds > 0, "density.updateInterval must be > 0")
	check(cfg.Density.HistoryRetentionSeconds > 0, "density.historyRetentionSeconds must be > 0")
	check(cfg.Density.Thresholds.LowVehicles > 0, "density.thresholds.lowVehicles must be > 0")
	check(cfg.Density.Thresholds.MediumVehicles > cfg.Density.Thresholds.LowVehicles,
		"density.thresholds.mediumVehicles must exceed lowVehicles")
	check(cfg.Density.Thresholds.LowScore > 0, "density.thresholds.lowScore must be > 0")
	check(cfg.Density.Thresholds.MediumScore > cfg.Density.Thresholds.LowScore,
		"density.thresholds.mediumScore must exceed lowScore")
	check(cfg.Signal.MinRedTimeSeconds > 0, "signal.minRedTime must be > 0")
	check(cfg.Signal.MinGreenTimeSeconds > 0, "signal.minGreenTime must be > 0")
	check(cfg.Signal.MaxGreenTimeSeconds > cfg.Signal.MinGreenTimeSeconds,
		"signal.maxGreenTime must exceed minGreenTime")
	check(cfg.Signal.DefaultGreenTimeSeconds > 0, "signal.defaultGreenTime must be > 0")
	check(cfg.Signal.YellowDurationSeconds > 0, "signal.yellowDuration must be > 0")
	check(cfg.Safety.CheckIntervalSeconds > 0, "safety.checkInterval must be > 0")
	check(cfg.Emergency.LookaheadJunctions >= 1, "emergency.lookaheadJunctions must be >= 1")
	check(cfg.Emergency.SignalHoldDurationSeconds > 0, "emergency.signalHoldDuration must be > 0")
	check(cfg.Emergency.UpdateIntervalSeconds > 0, "emergency.updateInterval must be > 0")
	check(cfg.Emergency.AvgSpeedKmh > 0, "emergency.avgSpeedKmh must be > 0")
	check(cfg.Incident.WindowSeconds > 0, "incident.windowSeconds must be > 0")
	check(cfg.Bus.QueueCapacity >= 1, "bus.queueCapacity must be >= 1")
	check(cfg.Sim.TimeoutSeconds > 0, "sim.timeoutSeconds must be > 0")
	check(cfg.Policy.TimeoutSeconds > 0, "policy.timeoutSeconds must be > 0")

	switch cfg.Safety.DefaultGreen {
	case "NORTH", "EAST", "SOUTH", "WEST":
	default:
		errs = multierr.Append(errs, fmt.Errorf("safety.defaultGreen %q is not one of NORTH, EAST, SOUTH, WEST", cfg.Safety.DefaultGreen))
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	switch cfg.Logging.Encoding {
	case "", "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.encoding %q is not one of json, console", cfg.Logging.Encoding))
	}
	return errs
}

// Environment override keys.
const (
	EnvLoopInterval      = "TGC_LOOP_INTERVAL"
	EnvMaxErrors         = "TGC_MAX_ERRORS"
	EnvLogLevel          = "TGC_LOG_LEVEL"
	EnvLogEncoding       = "TGC_LOG_ENCODING"
	EnvSimEndpoint       = "TGC_SIM_ENDPOINT"
	EnvPolicyEndpoint    = "TGC_POLICY_ENDPOINT"
	EnvAdminListenAddr   = "TGC_ADMIN_LISTEN_ADDR"
	EnvMetricsListenAddr = "TGC_METRICS_LISTEN_ADDR"
	EnvArchiveBucket     = "TGC_ARCHIVE_BUCKET"
	EnvArchiveRegion     = "TGC_ARCHIVE_REGION"
	EnvArchivePrefix     = "TGC_ARCHIVE_PREFIX"
)

func applyEnv(cfg *Config, getenv func(string) string) error {
	if raw := strings.TrimSpace(getenv(EnvLoopInterval)); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return failure(fmt.Sprintf("%s must be a number of seconds", EnvLoopInterval), err)
		}
		cfg.LoopIntervalSeconds = value
	}
	if raw := strings.TrimSpace(getenv(EnvMaxErrors)); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return failure(fmt.Sprintf("%s must be an integer", EnvMaxErrors), err)
		}
		cfg.MaxErrors = value
	}
	if raw := strings.TrimSpace(getenv(EnvLogLevel)); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := strings.TrimSpace(getenv(EnvLogEncoding)); raw != "" {
		cfg.Logging.Encoding = raw
	}
	if raw := strings.TrimSpace(getenv(EnvSimEndpoint)); raw != "" {
		cfg.Sim.Endpoint = raw
	}
	if raw := strings.TrimSpace(getenv(EnvPolicyEndpoint)); raw != "" {
		cfg.Policy.Endpoint = raw
	}
	if raw := strings.TrimSpace(getenv(EnvAdminListenAddr)); raw != "" {
		cfg.Admin.ListenAddr = raw
	}
	if raw := strings.TrimSpace(getenv(EnvMetricsListenAddr)); raw != "" {
		cfg.Metrics.ListenAddr = raw
	}
	if raw := strings.TrimSpace(getenv(EnvArchiveBucket)); raw != "" {
		cfg.Archive.Bucket = raw
	}
	if raw := strings.TrimSpace(getenv(EnvArchiveRegion)); raw != "" {
		cfg.Archive.Region = raw
	}
	if raw := strings.TrimSpace(getenv(EnvArchivePrefix)); raw != "" {
		cfg.Archive.Prefix = raw
	}
	return nil
}

func validateSchema(raw []byte) error {
	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

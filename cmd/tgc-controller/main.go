// tgc-controller is the long-running traffic controller: it connects to
// a simulator, runs the agent loop, and serves the operator and metrics
// endpoints until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/internal/config"
	"github.com/arterial/traffic-grid-controller/internal/decision"
	"github.com/arterial/traffic-grid-controller/internal/observability/logging"
	"github.com/arterial/traffic-grid-controller/internal/runtime"
	"github.com/arterial/traffic-grid-controller/providers/archive/s3archive"
	"github.com/arterial/traffic-grid-controller/providers/policy/httppolicy"
	"github.com/arterial/traffic-grid-controller/providers/sim/restsim"
)

const (
	defaultAdminAddr   = ":8080"
	defaultMetricsAddr = ":9100"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "tgc-controller: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		printUsage(stdout)
		return nil
	}

	command := "serve"
	rest := args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		rest = args[1:]
	}

	switch command {
	case "serve":
		return runServe(rest, now)
	case "config-validate":
		return runConfigValidate(rest, stdout)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runConfigValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config-validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to the config artifact")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "config ok: loop interval %s, %d max errors\n",
		cfg.LoopInterval(), cfg.MaxErrors)
	return nil
}

func runServe(args []string, now func() time.Time) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to the config artifact")
	envFile := fs.String("env-file", "", "env file with TGC_* overrides")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// An explicit env file must load; the conventional .env is optional.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", *envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Encoding: cfg.Logging.Encoding})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if strings.TrimSpace(cfg.Sim.Endpoint) == "" {
		return fmt.Errorf("sim endpoint is required: set sim.endpoint or %s", config.EnvSimEndpoint)
	}
	sim, err := restsim.New(restsim.Config{Endpoint: cfg.Sim.Endpoint, Timeout: cfg.Sim.Timeout()})
	if err != nil {
		return fmt.Errorf("wire simulator: %w", err)
	}

	var policy decision.Policy
	if strings.TrimSpace(cfg.Policy.Endpoint) != "" {
		adapter, err := httppolicy.New(httppolicy.Config{Endpoint: cfg.Policy.Endpoint, Timeout: cfg.Policy.Timeout()})
		if err != nil {
			return fmt.Errorf("wire policy: %w", err)
		}
		policy = adapter
		log.Info("learned policy enabled", zap.String("endpoint", cfg.Policy.Endpoint))
	}

	var archiver runtime.Archiver
	if strings.TrimSpace(cfg.Archive.Bucket) != "" {
		store, err := s3archive.New(s3archive.Config{
			Bucket: cfg.Archive.Bucket,
			Region: cfg.Archive.Region,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("wire archive: %w", err)
		}
		archiver = store
		log.Info("audit archival enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	rt, err := runtime.New(runtime.Options{
		Config:    cfg,
		Logger:    log,
		Simulator: sim,
		Policy:    policy,
		Archiver:  archiver,
		Now:       now,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = rt.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}
	defer rt.Stop()

	adminAddr := cfg.Admin.ListenAddr
	if adminAddr == "" {
		adminAddr = defaultAdminAddr
	}
	metricsAddr := cfg.Metrics.ListenAddr
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", rt.MetricsHandler())

	adminServer := &http.Server{Addr: adminAddr, Handler: rt.AdminHandler()}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	failed := make(chan error, 2)
	go listen(adminServer, failed)
	go listen(metricsServer, failed)

	log.Info("controller up",
		zap.String("admin", adminAddr),
		zap.String("metrics", metricsAddr),
		zap.String("sim", cfg.Sim.Endpoint))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-failed:
		log.Error("listener failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

func listen(server *http.Server, failed chan<- error) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		failed <- fmt.Errorf("listen %s: %w", server.Addr, err)
	}
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tgc-controller <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  serve            run the controller (default)")
	_, _ = fmt.Fprintln(w, "    -config PATH     config artifact (defaults apply when omitted)")
	_, _ = fmt.Fprintln(w, "    -env-file PATH   env file with TGC_* overrides (.env by default)")
	_, _ = fmt.Fprintln(w, "  config-validate  load and validate a config artifact")
	_, _ = fmt.Fprintln(w, "    -config PATH     config artifact to validate")
	_, _ = fmt.Fprintln(w, "  help             show this message")
}

// tgc-cli is the operator console: a thin client over the controller's
// admin endpoint for status reads, manual overrides, the emergency
// session lifecycle, and audit pulls.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arterial/traffic-grid-controller/internal/config"
)

const defaultAdminAddr = "http://localhost:8080"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tgc-cli: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name   string
	method string
	path   string
	body   func(fs *flag.FlagSet) (map[string]any, []string)
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage(stdout)
		if len(args) == 0 {
			return fmt.Errorf("a command is required")
		}
		return nil
	}

	switch args[0] {
	case "config-validate":
		return runConfigValidate(args[1:], stdout)
	case "audit-export":
		return runSimple(args[1:], stdout, http.MethodGet, "/audit/export", nil)
	case "audit-sweep":
		return runSimple(args[1:], stdout, http.MethodPost, "/audit/sweep", nil)
	case "status":
		return runSimple(args[1:], stdout, http.MethodGet, "/status", nil)
	case "health":
		return runSimple(args[1:], stdout, http.MethodGet, "/healthz", nil)
	case "overrides":
		return runSimple(args[1:], stdout, http.MethodGet, "/overrides", nil)
	case "emergency":
		return runSimple(args[1:], stdout, http.MethodGet, "/emergency", nil)
	case "emergency-cancel":
		return runSimple(args[1:], stdout, http.MethodPost, "/emergency/cancel", nil)
	}

	if cmd, ok := bodyCommands()[args[0]]; ok {
		return runBodyCommand(cmd, args[1:], stdout)
	}

	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

// bodyCommands are the POSTs that carry an operator-supplied JSON body.
// Each entry declares its flags and which are required.
func bodyCommands() map[string]command {
	return map[string]command{
		"override-signal": {
			name: "override-signal", method: http.MethodPost, path: "/overrides/signal",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				junction := fs.String("junction", "", "junction id")
				direction := fs.String("direction", "", "NORTH, EAST, SOUTH or WEST")
				state := fs.String("state", "", "GREEN or RED")
				duration := fs.Float64("duration", 0, "seconds, 0 means until cancelled")
				operator := fs.String("operator", "", "operator id")
				reason := fs.String("reason", "", "why the override exists")
				return map[string]any{
					"junction_id":      junction,
					"direction":        direction,
					"state":            state,
					"duration_seconds": duration,
					"operator_id":      operator,
					"reason":           reason,
				}, []string{"junction_id", "direction", "state", "operator_id"}
			},
		},
		"override-cancel": {
			name: "override-cancel", method: http.MethodPost, path: "/overrides/cancel",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				id := fs.String("id", "", "override id")
				operator := fs.String("operator", "", "operator id")
				return map[string]any{
					"override_id": id,
					"operator_id": operator,
				}, []string{"override_id", "operator_id"}
			},
		},
		"agent-disable": {
			name: "agent-disable", method: http.MethodPost, path: "/agent/disable",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				operator := fs.String("operator", "", "operator id")
				reason := fs.String("reason", "", "why the agent is disabled")
				return map[string]any{
					"operator_id": operator,
					"reason":      reason,
				}, []string{"operator_id"}
			},
		},
		"agent-enable": {
			name: "agent-enable", method: http.MethodPost, path: "/agent/enable",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				operator := fs.String("operator", "", "operator id")
				return map[string]any{"operator_id": operator}, []string{"operator_id"}
			},
		},
		"emergency-stop": {
			name: "emergency-stop", method: http.MethodPost, path: "/emergency-stop",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				operator := fs.String("operator", "", "operator id")
				reason := fs.String("reason", "", "why everything stops")
				return map[string]any{
					"operator_id": operator,
					"reason":      reason,
				}, []string{"operator_id"}
			},
		},
		"failsafe-exit": {
			name: "failsafe-exit", method: http.MethodPost, path: "/failsafe/exit",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				operator := fs.String("operator", "", "operator id")
				return map[string]any{"operator_id": operator}, []string{"operator_id"}
			},
		},
		"emergency-activate": {
			name: "emergency-activate", method: http.MethodPost, path: "/emergency/activate",
			body: func(fs *flag.FlagSet) (map[string]any, []string) {
				vehicle := fs.String("vehicle", "", "emergency vehicle id")
				plate := fs.String("plate", "", "vehicle plate")
				start := fs.String("from", "", "start junction")
				end := fs.String("to", "", "destination junction")
				return map[string]any{
					"vehicle_id":     vehicle,
					"vehicle_plate":  plate,
					"start_junction": start,
					"end_junction":   end,
				}, []string{"vehicle_id", "start_junction", "end_junction"}
			},
		},
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

func runSimple(args []string, stdout io.Writer, method, path string, payload map[string]any) error {
	fs := flag.NewFlagSet(path, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := addrFlag(fs)
	out := fs.String("out", "", "write the response to this path instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return call(*addr, method, path, payload, stdout, *out)
}

func runBodyCommand(cmd command, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := addrFlag(fs)
	fields, required := cmd.body(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload := make(map[string]any, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case *string:
			payload[key] = *v
		case *float64:
			payload[key] = *v
		default:
			payload[key] = v
		}
	}
	for _, key := range required {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s: %s is required", cmd.name, key)
		}
	}
	return call(*addr, cmd.method, cmd.path, payload, stdout, "")
}

func addrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", defaultAdminAddr, "controller admin address")
}

func call(addr, method, path string, payload map[string]any, stdout io.Writer, outPath string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, strings.TrimRight(addr, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call controller at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	pretty := prettyJSON(raw)
	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		return os.WriteFile(outPath, pretty, 0o644)
	}
	_, _ = stdout.Write(pretty)
	return nil
}

func prettyJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	buf.WriteByte('\n')
	return buf.Bytes()
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
	_, _ = fmt.Fprintln(w, "usage: tgc-cli <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands (all accept -addr, default "+defaultAdminAddr+"):")
	_, _ = fmt.Fprintln(w, "  status              system mode and agent counters")
	_, _ = fmt.Fprintln(w, "  health              watchdog check reports")
	_, _ = fmt.Fprintln(w, "  overrides           list active manual overrides")
	_, _ = fmt.Fprintln(w, "  override-signal     pin one signal head (-junction -direction -state -operator)")
	_, _ = fmt.Fprintln(w, "  override-cancel     cancel an override (-id -operator)")
	_, _ = fmt.Fprintln(w, "  agent-disable       pause the agent (-operator -reason)")
	_, _ = fmt.Fprintln(w, "  agent-enable        resume the agent (-operator)")
	_, _ = fmt.Fprintln(w, "  emergency-stop      halt the agent and hold all RED (-operator -reason)")
	_, _ = fmt.Fprintln(w, "  failsafe-exit       leave FAIL_SAFE (-operator)")
	_, _ = fmt.Fprintln(w, "  emergency-activate  open a green corridor (-vehicle -from -to)")
	_, _ = fmt.Fprintln(w, "  emergency           show the active emergency session")
	_, _ = fmt.Fprintln(w, "  emergency-cancel    cancel the active emergency session")
	_, _ = fmt.Fprintln(w, "  audit-export        pull the full audit export (-out PATH)")
	_, _ = fmt.Fprintln(w, "  audit-sweep         run a retention sweep and print the report")
	_, _ = fmt.Fprintln(w, "  config-validate     validate a config artifact (-config PATH)")
}

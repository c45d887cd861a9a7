package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

// AdminHandler exposes the operator surface: status, overrides, the
// emergency session lifecycle, fail-safe exit, audit reads, and the
// dashboard event stream.
func (rt *Runtime) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		reports, err := rt.Watchdog.Report()
		code := http.StatusOK
		if err != nil || !rt.Watchdog.Healthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"healthy": code == http.StatusOK,
			"checks":  reports,
		})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rt.Status())
	})

	mux.HandleFunc("GET /overrides", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rt.Overrides.GetActive())
	})

	mux.HandleFunc("POST /overrides/signal", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JunctionID      string  `json:"junction_id"`
			Direction       string  `json:"direction"`
			State           string  `json:"state"`
			DurationSeconds float64 `json:"duration_seconds"`
			OperatorID      string  `json:"operator_id"`
			Reason          string  `json:"reason"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		duration := time.Duration(req.DurationSeconds * float64(time.Second))
		overrideID, err := rt.Overrides.ForceSignalState(req.JunctionID,
			grid.Direction(req.Direction), grid.SignalState(req.State),
			duration, req.OperatorID, req.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"override_id": overrideID})
	})

	mux.HandleFunc("POST /overrides/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OverrideID string `json:"override_id"`
			OperatorID string `json:"operator_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if !rt.Overrides.CancelOverride(req.OverrideID, req.OperatorID) {
			writeError(w, http.StatusNotFound, fmt.Errorf("override %s is not active", req.OverrideID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"override_id": req.OverrideID, "status": "cancelled"})
	})

	mux.HandleFunc("POST /agent/disable", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperatorID string `json:"operator_id"`
			Reason     string `json:"reason"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		overrideID, err := rt.Overrides.DisableAgent(req.OperatorID, req.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"override_id": overrideID})
	})

	mux.HandleFunc("POST /agent/enable", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperatorID string `json:"operator_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if !rt.Overrides.EnableAgent(req.OperatorID) {
			writeError(w, http.StatusConflict, errors.New("agent is not disabled"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
	})

	mux.HandleFunc("POST /emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperatorID string `json:"operator_id"`
			Reason     string `json:"reason"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		overrideID, err := rt.Overrides.EmergencyStop(req.OperatorID, req.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"override_id": overrideID})
	})

	mux.HandleFunc("POST /failsafe/exit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperatorID string `json:"operator_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		transition, err := rt.ExitFailSafe(req.OperatorID)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"from": string(transition.From),
			"to":   string(transition.To),
		})
	})

	mux.HandleFunc("POST /emergency/activate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			VehicleID     string `json:"vehicle_id"`
			VehiclePlate  string `json:"vehicle_plate"`
			StartJunction string `json:"start_junction"`
			EndJunction   string `json:"end_junction"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		session, err := rt.Emergency.Activate(r.Context(), req.VehicleID, req.VehiclePlate, req.StartJunction, req.EndJunction)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	})

	mux.HandleFunc("POST /emergency/cancel", func(w http.ResponseWriter, r *http.Request) {
		session, err := rt.Emergency.CancelActive(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("GET /emergency", func(w http.ResponseWriter, _ *http.Request) {
		session, ok := rt.Emergency.Active()
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("no active emergency session"))
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("GET /audit/export", func(w http.ResponseWriter, _ *http.Request) {
		payload, err := rt.Audit.ExportJSON(rt.now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})

	mux.HandleFunc("POST /audit/sweep", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rt.Audit.Sweep(rt.now()))
	})

	mux.Handle("GET /ws", rt.Hub)
	return mux
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (rt *Runtime) MetricsHandler() http.Handler {
	return rt.Metrics.Handler()
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

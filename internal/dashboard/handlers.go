package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/resilience"
	"github.com/ryansname/powermaster/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func hoursParam(r *http.Request, fallback int) time.Duration {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return time.Duration(fallback) * time.Hour
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return time.Duration(fallback) * time.Hour
	}
	return time.Duration(n) * time.Hour
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	span := hoursParam(r, 24)
	now := time.Now()
	rows, err := s.deps.Repos.Telemetry.Query(r.Context(), now.Add(-span), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePricesHistory(w http.ResponseWriter, r *http.Request) {
	span := hoursParam(r, 24)
	now := time.Now()
	rows, err := s.deps.Repos.Prices.Query(r.Context(), now.Add(-span), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePlanActive(w http.ResponseWriter, r *http.Request) {
	active := s.deps.PlanCache.Active()
	if active == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_active_plan"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":    active.Slots,
		"built_at": active.BuiltAt,
		"status":   active.Status.String(),
	})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	var override *control.Override
	if s.deps.Override != nil {
		override = s.deps.Override()
	}
	active := override != nil && now.Before(override.ExpiresAt)

	resp := map[string]any{
		"override_active":      active,
		"override_remaining_s": 0.0,
		"source":               "UNKNOWN",
		"mode_name":            "UNKNOWN",
	}
	if active {
		resp["override_remaining_s"] = override.ExpiresAt.Sub(now).Seconds()
		resp["user_mode"] = override.Mode.String()
	}
	if s.deps.LatestSnapshot != nil {
		if snap, ok := s.deps.LatestSnapshot(); ok {
			resp["optimiser_mode"] = snap["mode"]
			resp["source"] = snap["decision_source"]
			resp["mode_name"] = snap["mode"]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type modeRequest struct {
	Mode     string  `json:"mode"`
	PowerW   float64 `json:"power_w"`
	TimeoutS int     `json:"timeout_s"`
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if req.Mode == "CLEAR" || req.Mode == "AUTO" {
		select {
		case s.deps.Intents <- Intent{Clear: true}:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		default:
			writeError(w, http.StatusServiceUnavailable, "command intent channel full")
		}
		return
	}

	mode, ok := types.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown mode: "+req.Mode)
		return
	}
	if req.TimeoutS <= 0 {
		writeError(w, http.StatusBadRequest, "timeout_s must be positive")
		return
	}

	ov := control.Override{
		Mode: mode, PowerW: req.PowerW,
		ExportCapW: control.Unrestricted,
		ExpiresAt:  time.Now().Add(time.Duration(req.TimeoutS) * time.Second),
	}

	select {
	case s.deps.Intents <- Intent{Override: ov}:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		writeError(w, http.StatusServiceUnavailable, "command intent channel full")
	}
}

func (s *Server) handleAccountingSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current, err := s.deps.Repos.Accounting.CurrentCycle(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	daily, err := s.deps.Repos.Accounting.Daily(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_cycle": current,
		"daily":         daily,
	})
}

func (s *Server) handleProvidersStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	if len(s.deps.Sources) == 0 {
		writeJSON(w, http.StatusOK, s.deps.Resilience.AllStatuses(now))
		return
	}
	// Report in the order operators configured under providers/hardware
	// rather than AllStatuses' alphabetic default. Every listed source is
	// reported, including one the tracker has no record of yet (it comes
	// back Healthy with Configured false).
	statuses := make([]resilience.Status, 0, len(s.deps.Sources))
	for _, src := range s.deps.Sources {
		statuses = append(statuses, s.deps.Resilience.StatusOf(src, now))
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config == nil {
		writeError(w, http.StatusNotImplemented, "config snapshot unavailable")
		return
	}
	snap := s.deps.Config()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "config not yet loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"battery":   snap.Doc.Battery,
		"loads":     snap.Doc.Loads,
		"arbitrage": snap.Doc.Arbitrage,
		"planning":  snap.Doc.Planning,
	})
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/boxplanner/boxplanner/pkg/core"
	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.core.CurrentStatus(r.Context(), time.Now())
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to assemble status", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	filter := planstore.Filter{
		Kind:   types.PlanKind(r.URL.Query().Get("kind")),
		Status: types.PlanStatus(r.URL.Query().Get("status")),
	}
	plans, err := s.store.List(r.Context(), filter)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to list plans", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Plans []*types.Plan `json:"plans"`
	}{Plans: plans})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			writeJSONError(w, "plan not found", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load plan", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type manualPlanRequest struct {
	TargetSOCPct float64 `json:"targetSOCPct"`
	TargetTime   string  `json:"targetTime"`
	HoldingHours float64 `json:"holdingHours,omitempty"`
	HoldingMode  string  `json:"holdingMode,omitempty"`
}

func (s *Server) handleManualPlan(w http.ResponseWriter, r *http.Request) {
	var req manualPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	targetTime, err := time.Parse(time.RFC3339, req.TargetTime)
	if err != nil {
		writeJSONError(w, "invalid targetTime, expected RFC 3339", http.StatusBadRequest)
		return
	}

	plan, err := s.core.CreateManualPlan(r.Context(), time.Now(), core.ManualPlanRequest{
		TargetSOCPct: req.TargetSOCPct,
		TargetTime:   targetTime,
		HoldingHours: req.HoldingHours,
		HoldingMode:  types.ModeKind(req.HoldingMode),
	})
	if err != nil {
		var verr *types.ValidationError
		var infeasible *types.InfeasibleError
		switch {
		case errors.As(err, &verr):
			writeJSONError(w, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, core.ErrWeatherActive):
			writeJSONError(w, "a weather emergency plan is active", http.StatusConflict)
		case errors.As(err, &infeasible):
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				Error        string  `json:"error"`
				ShortfallKWH float64 `json:"shortfallKWH"`
			}{Error: infeasible.Error(), ShortfallKWH: infeasible.ShortfallKWH})
		case errors.Is(err, types.ErrProviderUnavailable):
			writeJSONError(w, "telemetry or forecast unavailable", http.StatusServiceUnavailable)
		default:
			log.Ctx(r.Context()).ErrorContext(r.Context(), "manual plan failed", slog.Any("error", err))
			writeJSONError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeactivateActive(r.Context()); err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			writeJSONError(w, "no active plan", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "deactivate failed", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.core.UpdateSettings(settings); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "settings update failed", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Settings())
}

func (s *Server) handleHistoryCommands(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, "invalid since, expected RFC 3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	recs, err := s.journal.RecentCommands(r.Context(), s.store.BoxID(), since)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load commands", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Commands []history.CommandRecord `json:"commands"`
	}{Commands: recs})
}

func (s *Server) handleHistoryTelemetry(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.Add(-48 * time.Hour)
	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONError(w, "invalid start, expected RFC 3339", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONError(w, "invalid end, expected RFC 3339", http.StatusBadRequest)
			return
		}
	}
	rows, err := s.journal.TelemetryHours(r.Context(), s.store.BoxID(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load telemetry history", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Hours []history.TelemetryHour `json:"hours"`
	}{Hours: rows})
}

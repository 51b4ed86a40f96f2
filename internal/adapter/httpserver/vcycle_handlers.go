package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

type triggerRequest struct {
	Reason   string `json:"reason"`
	Model    string `json:"model,omitempty"`
	Spectrum string `json:"spectrum,omitempty"`
}

type rollbackRequest struct {
	Model    string `json:"model" validate:"required"`
	Spectrum string `json:"spectrum" validate:"required"`
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// VCycleStatusHandler serves GET /v1/virtuous-cycle/status.
func (s *Server) VCycleStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Manager == nil {
			writeError(w, r, fmt.Errorf("%w: virtuous cycle disabled", domain.ErrConfiguration), nil)
			return
		}
		st := s.Manager.Status()
		loopState := "stopped"
		if st.Running {
			loopState = "running"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"monitoring_active": st.Running,
			"metrics": map[string]interface{}{
				"traces_processed":        st.TracesProcessed,
				"traces_dropped":          st.TracesDropped,
				"quality_checks":          st.QualityChecks,
				"optimizations_triggered": st.OptimizationsTriggered,
				"improvements_deployed":   st.ImprovementsDeployed,
				"current_quality":         st.CurrentQuality,
				"active_optimizations":    st.ActiveOptimizations,
				"pending_traces":          st.PendingTraces,
			},
			"component_status": map[string]string{
				"ingest":          loopState,
				"quality_monitor": loopState,
				"optimizer":       loopState,
				"processor":       loopState,
			},
			"last_update": st.LastUpdate,
			"forecast":    s.Manager.Forecast(),
			"alerts":      s.Manager.Alerts(limitParam(r, 20)),
		})
	}
}

// VCycleTriggerHandler serves POST /v1/virtuous-cycle/trigger.
func (s *Server) VCycleTriggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Manager == nil {
			writeError(w, r, fmt.Errorf("%w: virtuous cycle disabled", domain.ErrConfiguration), nil)
			return
		}
		var req triggerRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		// Without an explicit pair the trigger targets the worst live one.
		model, spectrum := req.Model, domain.Spectrum(req.Spectrum)
		if model == "" || spectrum == "" {
			var ok bool
			model, spectrum, ok = s.Manager.WorstPair()
			if !ok {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"accepted": false,
					"reason":   "no live traffic to optimize",
				})
				return
			}
		}

		err := s.Manager.TriggerOptimization(model, spectrum)
		switch {
		case err == nil:
			LoggerFrom(r).Info("optimization triggered",
				"model", model, "spectrum", string(spectrum), "reason", req.Reason)
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"accepted": true,
				"reason":   req.Reason,
				"model":    model,
				"spectrum": spectrum,
			})
		case errors.Is(err, domain.ErrInvalidArgument):
			writeError(w, r, err, nil)
		default:
			// Cooldown, concurrency cap or a busy pair is a refusal, not a
			// server failure.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"accepted": false,
				"reason":   err.Error(),
			})
		}
	}
}

// VCycleChangesHandler serves GET /v1/virtuous-cycle/changes.
func (s *Server) VCycleChangesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Manager == nil {
			writeError(w, r, fmt.Errorf("%w: virtuous cycle disabled", domain.ErrConfiguration), nil)
			return
		}
		changes := s.Manager.Changes(limitParam(r, 50))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"changes": changes,
			"count":   len(changes),
		})
	}
}

// VCycleRollbackHandler serves POST /v1/virtuous-cycle/rollback.
func (s *Server) VCycleRollbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Manager == nil {
			writeError(w, r, fmt.Errorf("%w: virtuous cycle disabled", domain.ErrConfiguration), nil)
			return
		}
		var req rollbackRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		v, err := s.Manager.Rollback(req.Model, domain.Spectrum(req.Spectrum))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("variant rolled back",
			"model", req.Model, "spectrum", req.Spectrum, "variant_id", v.VariantID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "rolled_back",
			"variant_id": v.VariantID,
			"model":      v.Model,
			"spectrum":   v.Spectrum,
		})
	}
}

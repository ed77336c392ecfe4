package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/protocol"
	"github.com/izavyalov-dev/signup-broker/state"
)

// NewHTTPHandler wires the batch, outcome and account endpoints plus metrics
// and health.
func NewHTTPHandler(service *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("coordinator.http")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", func(w http.ResponseWriter, r *http.Request) {
			var req protocol.StartBatchRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			resp, err := service.StartBatch(r.Context(), req)
			switch {
			case err == nil:
				writeJSON(w, http.StatusAccepted, resp)
			case errors.Is(err, ErrInsufficientBalance):
				writeJSON(w, http.StatusPaymentRequired, resp)
			case errors.Is(err, ErrBatchRunning):
				writeJSON(w, http.StatusConflict, resp)
			case errors.Is(err, ErrInvalidRequest):
				writeJSON(w, http.StatusBadRequest, resp)
			default:
				logger.Error("start batch failed", "event", "start_batch_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
			}
		})

		r.Get("/batches/{userID}", func(w http.ResponseWriter, r *http.Request) {
			summary, err := service.Summary(r.Context(), chi.URLParam(r, "userID"))
			if err != nil {
				writeServiceError(w, logger, "summary", err)
				return
			}
			writeJSON(w, http.StatusOK, summary)
		})

		r.Post("/batches/{userID}/stop", func(w http.ResponseWriter, r *http.Request) {
			summary, err := service.StopBatch(r.Context(), chi.URLParam(r, "userID"))
			if err != nil {
				writeServiceError(w, logger, "stop_batch", err)
				return
			}
			writeJSON(w, http.StatusOK, summary)
		})

		r.Post("/outcomes", func(w http.ResponseWriter, r *http.Request) {
			var msg protocol.ReportOutcome
			if err := decodeJSON(r, &msg); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ack, err := service.ReportOutcome(r.Context(), msg)
			if err != nil {
				writeServiceError(w, logger, "report_outcome", err)
				return
			}
			writeJSON(w, http.StatusOK, ack)
		})

		r.Get("/accounts/{userID}", func(w http.ResponseWriter, r *http.Request) {
			info, err := service.Account(r.Context(), chi.URLParam(r, "userID"))
			if err != nil {
				writeServiceError(w, logger, "account", err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		})

		r.Put("/accounts/{userID}/fee", func(w http.ResponseWriter, r *http.Request) {
			var req protocol.SetUnitFeeRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			info, err := service.SetUnitFee(r.Context(), chi.URLParam(r, "userID"), req.UnitFee)
			if err != nil {
				writeServiceError(w, logger, "set_fee", err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		})

		r.Post("/accounts/{userID}/topups", func(w http.ResponseWriter, r *http.Request) {
			var req protocol.TopUpRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			info, err := service.TopUp(r.Context(), chi.URLParam(r, "userID"), req)
			if err != nil {
				writeServiceError(w, logger, "topup", err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		})
	})

	return r
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrBatchRunning), errors.Is(err, state.ErrDuplicateReference):
		writeError(w, http.StatusConflict, err)
	default:
		logger.Error("request failed", "event", op+"_failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

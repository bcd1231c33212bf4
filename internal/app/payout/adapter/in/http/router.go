package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/provider"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/metrics"
)

// maxCallbackBody webhook body 上限
const maxCallbackBody = 1 << 20

// CallbackHandler 套用金流商 webhook (usecase.Reconciler)
type CallbackHandler interface {
	HandleCallback(ctx context.Context, body []byte, signature string) (*usecase.ApplyResult, error)
}

// HealthCheck 回傳 nil 代表服務可用 (例如資料庫 ping)
type HealthCheck func(ctx context.Context) error

// NewRouter 建立 HTTP 路由
//
//	POST /webhooks/provider  金流商轉帳結果通知
//	GET  /healthz            健康檢查
//	GET  /metrics            Prometheus
func NewRouter(callbacks CallbackHandler, health HealthCheck, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{callbacks: callbacks, health: health, logger: logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/provider", h.providerWebhook)
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

type handler struct {
	callbacks CallbackHandler
	health    HealthCheck
	logger    *slog.Logger
}

// providerWebhook 非 2xx 會讓金流商重送，只有暫時性錯誤才回 5xx
func (h *handler) providerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	res, err := h.callbacks.HandleCallback(r.Context(), body, r.Header.Get(provider.SignatureHeader))
	var validation *domain.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"aggregate_id": res.AggregateID,
			"applied":      res.Applied,
		})
	case errors.Is(err, domain.ErrInvalidSignature):
		h.logger.Warn("webhook rejected: invalid signature", "request_id", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	case errors.Is(err, domain.ErrIgnoredCallback):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validation.Error()})
	default:
		h.logger.Error("webhook failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "temporarily unavailable"})
	}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

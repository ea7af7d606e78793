// Package webhook exposes the SNS inbound endpoint, a health check and the
// metrics endpoint over HTTP.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/OliverSchlueter/goutils/problems"
	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/maskrelay/internal/inbound"
	"github.com/shineum/maskrelay/internal/notification"
	"github.com/shineum/maskrelay/internal/transport"
)

// maxBodySize bounds notification bodies; SNS messages are at most 256 KiB.
const maxBodySize = 1 << 20

// Processor handles a raw notification body.
type Processor interface {
	Process(ctx context.Context, body []byte) error
}

type Handler struct {
	processor Processor
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// New creates a Handler. gatherer may be nil to disable /metrics.
func New(processor Processor, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, gatherer: gatherer, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sns-inbound", h.handleInbound)
	mux.HandleFunc("/healthz", h.handleHealth)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problems.MethodNotAllowed(r.Method, []string{http.MethodPost}).WriteToHTTP(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}

	err = h.processor.Process(r.Context(), body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, notification.ErrMalformed):
		problems.CouldNotDecodeBody().WriteToHTTP(w)
	case errors.Is(err, inbound.ErrNoObject):
		problems.ValidationError("receipt", "Notification has no stored message").WriteToHTTP(w)
	case errors.Is(err, transport.ErrTransport):
		h.logger.Warn("Inbound message rejected by transport", sloki.WrapError(err))
		problems.ValidationError("message", err.Error()).WriteToHTTP(w)
	default:
		h.logger.Error("Failed to process inbound notification", sloki.WrapError(err))
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

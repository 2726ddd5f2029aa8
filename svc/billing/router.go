package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxWebhookBodyBytes caps the webhook payload size. Paddle payloads are a
// few kilobytes; anything near the cap is hostile.
const maxWebhookBodyBytes = 1 << 20

// WebhookHandler is the HTTP boundary for processor webhooks. Response policy:
// 400 only when the signature does not verify, 200 for everything else. An
// internal failure is logged and still acknowledged so the processor does not
// retry an event the reconciler will pick up through the sweep jobs anyway.
type WebhookHandler struct {
	parser     WebhookParser
	reconciler *Reconciler
	log        *slog.Logger
}

// NewWebhookHandler creates the webhook HTTP handler.
// Panics if required collaborators are nil to fail fast during initialization.
func NewWebhookHandler(parser WebhookParser, reconciler *Reconciler, log *slog.Logger) *WebhookHandler {
	if parser == nil {
		panic("billing: WebhookParser is required")
	}
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{parser: parser, reconciler: reconciler, log: log}
}

// Router returns a chi router exposing POST / for the webhook endpoint.
// Mount it under the path registered with the processor, e.g. /webhooks/paddle.
func (h *WebhookHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.ServeHTTP)
	return r
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.log.ErrorContext(ctx, "failed to read webhook body", slog.String("error", err.Error()))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(h.parser.SignatureHeader())
	event, err := h.parser.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrWebhookVerificationFailed) {
			h.log.WarnContext(ctx, "webhook signature verification failed",
				slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		// Verified but unparseable: acknowledge, a retry will not help.
		h.log.ErrorContext(ctx, "failed to parse verified webhook payload",
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.reconciler.Handle(ctx, event); err != nil {
		h.log.ErrorContext(ctx, "webhook reconciliation failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusOK)
}

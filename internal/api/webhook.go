package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

// WebhookHandler receives charge and payout notifications from the payment
// gateway. The body must carry a valid HMAC signature.
func (h *Handler) WebhookHandler(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body")
			return
		}
		if !paymentgateway.VerifySignature(secret, body, r.Header.Get(paymentgateway.SignatureHeader)) {
			h.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "invalid webhook signature")
			return
		}

		var event domain.GatewayEvent
		if err := json.Unmarshal(body, &event); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid event payload")
			return
		}

		err = h.svc.HandleGatewayEvent(r.Context(), event)
		if errors.Is(err, domain.ErrDuplicateEvent) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		if err != nil {
			writeServiceError(w, h.logger, "payment_gateway_webhook", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

// Routing keys the gateway status queue is bound to.
const (
	ChargeStatusBinding = "charge.status.*"
	PayoutStatusBinding = "payout.status.*"
)

// GatewayEventConsumer feeds gateway status messages from RabbitMQ into the
// same intake as the webhook.
type GatewayEventConsumer struct {
	svc     *Service
	logger  *slog.Logger
	timeout time.Duration
}

func NewGatewayEventConsumer(svc *Service, logger *slog.Logger) *GatewayEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayEventConsumer{svc: svc, logger: logger.With("component", "gateway_consumer"), timeout: 30 * time.Second}
}

// Handlers returns the routing-key handlers for rabbitmq.Consumer.
func (c *GatewayEventConsumer) Handlers() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		ChargeStatusBinding: c.HandleMessage,
		PayoutStatusBinding: c.HandleMessage,
	}
}

// HandleMessage returns true when the message should be acked. Malformed
// messages and events for unknown references are dropped; anything else is
// requeued.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal gateway event; dropping", "err", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.svc.HandleGatewayEvent(ctx, event)
	switch {
	case err == nil, errors.Is(err, domain.ErrDuplicateEvent):
		return true
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrEscrowNotFound),
		errors.Is(err, domain.ErrWithdrawalNotFound):
		c.logger.Error("gateway event rejected; dropping", "event_id", event.EventID, "err", err)
		return true
	default:
		c.logger.Error("failed to process gateway event; requeueing", "event_id", event.EventID, "err", err)
		return false
	}
}

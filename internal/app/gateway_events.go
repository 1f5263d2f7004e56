package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// HandleGatewayEvent applies a charge or payout notification. The event id is
// recorded in the same transaction as the state change, so a replay returns
// domain.ErrDuplicateEvent without touching the ledger. Transitions that no
// longer apply (for example a charge.failed for a funded escrow) are recorded
// and ignored so the gateway stops retrying them.
func (s *Service) HandleGatewayEvent(ctx context.Context, event domain.GatewayEvent) error {
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		return fmt.Errorf("%w: event_id is required", domain.ErrInvalidRequest)
	}
	eventType := event.NormalizedType()
	switch eventType {
	case domain.GatewayChargeSucceeded, domain.GatewayChargeFailed,
		domain.GatewayPayoutSucceeded, domain.GatewayPayoutFailed:
	default:
		return fmt.Errorf("%w: unsupported event type %q", domain.ErrInvalidRequest, event.Type)
	}
	reference, err := uuid.Parse(strings.TrimSpace(event.Reference))
	if err != nil {
		return fmt.Errorf("%w: reference must be an escrow or withdrawal id", domain.ErrInvalidRequest)
	}

	logger := s.logger.With("event_id", event.EventID, "event_type", eventType, "reference", reference)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.RecordProcessedEvent(ctx, event.EventID, eventType, s.now()); err != nil {
			return err
		}

		var applyErr error
		switch eventType {
		case domain.GatewayChargeSucceeded:
			e, err := tx.LockEscrow(ctx, reference)
			if err != nil {
				return err
			}
			_, applyErr = s.fundLocked(ctx, tx, e, event.ExternalReference)
		case domain.GatewayChargeFailed:
			e, err := tx.LockEscrow(ctx, reference)
			if err != nil {
				return err
			}
			reason := "charge failed"
			if event.Reason != "" {
				reason += ": " + event.Reason
			}
			_, applyErr = s.cancelLocked(ctx, tx, e, domain.SystemActor, reason)
		case domain.GatewayPayoutSucceeded:
			wd, err := tx.LockWithdrawal(ctx, reference)
			if err != nil {
				return err
			}
			applyErr = s.completeLocked(ctx, tx, wd, event.ExternalReference)
		case domain.GatewayPayoutFailed:
			wd, err := tx.LockWithdrawal(ctx, reference)
			if err != nil {
				return err
			}
			reason := event.Reason
			if reason == "" {
				reason = "payout failed"
			}
			applyErr = s.failLocked(ctx, tx, wd, reason)
		}

		if errors.Is(applyErr, domain.ErrInvalidState) {
			logger.Warn("gateway event does not apply to current state; ignoring", "err", applyErr)
			return nil
		}
		return applyErr
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		logger.Info("duplicate gateway event ignored")
		return err
	}
	if err != nil {
		return err
	}
	logger.Info("gateway event processed")
	return nil
}

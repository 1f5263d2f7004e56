package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway event types accepted on the webhook and the status queue.
const (
	GatewayChargeSucceeded = "charge.succeeded"
	GatewayChargeFailed    = "charge.failed"
	GatewayPayoutSucceeded = "payout.succeeded"
	GatewayPayoutFailed    = "payout.failed"
)

// GatewayEvent is a charge or payout status notification from the payment
// gateway. Reference carries our escrow or withdrawal id.
type GatewayEvent struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	Reference         string    `json:"reference"`
	ExternalReference string    `json:"external_reference"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NormalizedType lower-cases the type and folds the gateway's spelling variants.
func (e GatewayEvent) NormalizedType() string {
	t := strings.ToLower(strings.TrimSpace(e.Type))
	t = strings.ReplaceAll(t, "_", ".")
	switch t {
	case "charge.success", "charge.completed", "charge.succeeded":
		return GatewayChargeSucceeded
	case "charge.failure", "charge.failed", "charge.declined":
		return GatewayChargeFailed
	case "payout.success", "payout.completed", "payout.succeeded", "payout.paid":
		return GatewayPayoutSucceeded
	case "payout.failure", "payout.failed", "payout.reversed":
		return GatewayPayoutFailed
	}
	return t
}

// Exchange and routing keys for ledger events published through the outbox.
const (
	EscrowEventsExchange = "escrow_events"

	RoutingEscrowFunded        = "escrow.funded"
	RoutingEscrowReleased      = "escrow.released"
	RoutingEscrowAutoReleased  = "escrow.auto_released"
	RoutingEscrowRefunded      = "escrow.refunded"
	RoutingEscrowDisputed      = "escrow.disputed"
	RoutingEscrowCancelled     = "escrow.cancelled"
	RoutingWithdrawalRequested = "withdrawal.requested"
	RoutingWithdrawalCompleted = "withdrawal.completed"
	RoutingWithdrawalFailed    = "withdrawal.failed"
	RoutingWithdrawalCancelled = "withdrawal.cancelled"
)

// EscrowEvent is the payload for every escrow.* routing key.
type EscrowEvent struct {
	EscrowID       uuid.UUID       `json:"escrow_id"`
	ContractID     string          `json:"contract_id"`
	MilestoneID    *string         `json:"milestone_id,omitempty"`
	ClientID       string          `json:"client_id"`
	ProfessionalID string          `json:"professional_id"`
	Status         EscrowStatus    `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// NewEscrowEvent snapshots an escrow for publishing.
func NewEscrowEvent(e *Escrow, actor Actor, reason string, now time.Time) EscrowEvent {
	return EscrowEvent{
		EscrowID:       e.ID,
		ContractID:     e.ContractID,
		MilestoneID:    e.MilestoneID,
		ClientID:       e.ClientID,
		ProfessionalID: e.ProfessionalID,
		Status:         e.Status,
		Amount:         e.Amount,
		NetAmount:      e.NetAmount,
		Currency:       e.Currency,
		Reason:         reason,
		ActorID:        actor.UserID,
		OccurredAt:     now,
	}
}

// WithdrawalEvent is the payload for every withdrawal.* routing key.
type WithdrawalEvent struct {
	WithdrawalID uuid.UUID        `json:"withdrawal_id"`
	UserID       string           `json:"user_id"`
	Amount       decimal.Decimal  `json:"amount"`
	Currency     string           `json:"currency"`
	Status       WithdrawalStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// NewWithdrawalEvent snapshots a withdrawal for publishing.
func NewWithdrawalEvent(wd *Withdrawal, now time.Time) WithdrawalEvent {
	return WithdrawalEvent{
		WithdrawalID: wd.ID,
		UserID:       wd.UserID,
		Amount:       wd.Amount,
		Currency:     wd.Currency,
		Status:       wd.Status,
		Reason:       wd.FailureReason,
		OccurredAt:   now,
	}
}

// OutboxMessage is a queued event awaiting publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// IdempotencyRecord stores the first response produced for an Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Contract is what the contract service tells us about an engagement.
type Contract struct {
	ID             string           `json:"id"`
	ClientID       string           `json:"client_id"`
	ProfessionalID string           `json:"professional_id"`
	Currency       string           `json:"currency"`
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	Status         string           `json:"status"`
	Milestones     []Milestone      `json:"milestones"`
}

// Milestone is one payable stage of a contract.
type Milestone struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// Milestone finds a milestone by id.
func (c *Contract) Milestone(id string) (*Milestone, bool) {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i], true
		}
	}
	return nil, false
}

// IsOpen reports whether the contract still accepts funding.
func (c *Contract) IsOpen() bool {
	switch strings.ToLower(c.Status) {
	case "", "active", "open", "in_progress":
		return true
	}
	return false
}

/**
 * @description
 * Core business logic for the escrow and wallet ledger. The Service owns every
 * money movement: it loads rows through store.Tx under lock, applies the
 * domain transition, writes the resulting ledger rows and queues outbox
 * events in the same transaction. Calls to the payment gateway always happen
 * outside a transaction.
 *
 * @dependencies
 * - internal/store: persistence and row locking.
 * - pkg/paymentgateway: charge and payout requests.
 * - github.com/shopspring/decimal: money arithmetic.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

// ChargeGateway charges clients when an escrow is created.
type ChargeGateway interface {
	CreateCharge(ctx context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.Result, error)
}

// PayoutGateway sends withdrawn money to a payout method.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, req paymentgateway.PayoutRequest) (*paymentgateway.Result, error)
}

// ContractDirectory resolves contract parties and amounts.
type ContractDirectory interface {
	GetContract(ctx context.Context, contractID string) (*domain.Contract, error)
}

// WithdrawalLimiter meters each user's withdrawal requests and their volume
// in the base currency over a window shared by every instance.
type WithdrawalLimiter interface {
	ConsumeWithdrawalBudget(ctx context.Context, userID string, volume decimal.Decimal, budget WithdrawalBudget) (BudgetDecision, error)
}

// WithdrawalBudget bounds what one user may withdraw per window. A zero
// limit is not enforced.
type WithdrawalBudget struct {
	MaxRequests int
	MaxVolume   decimal.Decimal
	Window      time.Duration
}

func (b WithdrawalBudget) enabled() bool {
	return b.Window > 0 && (b.MaxRequests > 0 || b.MaxVolume.IsPositive())
}

// BudgetDecision is the usage after an allowed request, or the usage that
// refused it. A refused request consumes nothing.
type BudgetDecision struct {
	Allowed    bool
	Requests   int
	Volume     decimal.Decimal
	RetryAfter time.Duration
}

// RateLimitError carries how long the caller has to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", domain.ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// Options tunes the service. Zero values are usable.
type Options struct {
	// EarningsClearingPeriod parks released earnings in pending this long.
	EarningsClearingPeriod time.Duration
	// DispatchWithdrawalsImmediately sends the payout during the request
	// instead of waiting for the dispatch job.
	DispatchWithdrawalsImmediately bool
	// WithdrawalRateLimit is the number of withdrawal requests a user may make
	// per hour. Zero disables the count limit.
	WithdrawalRateLimit int
	// WithdrawalVolumeLimit caps the base currency a user may withdraw per
	// hour. Zero disables the volume limit.
	WithdrawalVolumeLimit decimal.Decimal
	RateLimiter           WithdrawalLimiter
	// PayoutConfirmationTimeout is how long a sent payout may go without an
	// acknowledgement before the dispatch job sends it again.
	PayoutConfirmationTimeout time.Duration
	Logger                    *slog.Logger
	Clock                     func() time.Time
}

// Service provides the ledger operations.
type Service struct {
	repo       store.Repository
	currencies *domain.CurrencyTable
	charges    ChargeGateway
	payouts    PayoutGateway
	contracts  ContractDirectory
	limiter    WithdrawalLimiter
	logger     *slog.Logger
	now        func() time.Time

	clearingPeriod            time.Duration
	dispatchImmediately       bool
	withdrawalBudget          WithdrawalBudget
	payoutConfirmationTimeout time.Duration
}

// NewService creates the ledger service.
func NewService(repo store.Repository, currencies *domain.CurrencyTable, charges ChargeGateway, payouts PayoutGateway, contracts ContractDirectory, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if currencies == nil {
		currencies = domain.NewCurrencyTable(domain.DefaultCurrencies())
	}
	confirmationTimeout := opts.PayoutConfirmationTimeout
	if confirmationTimeout <= 0 {
		confirmationTimeout = 30 * time.Minute
	}
	budget := WithdrawalBudget{
		MaxRequests: opts.WithdrawalRateLimit,
		MaxVolume:   opts.WithdrawalVolumeLimit,
		Window:      withdrawalRateWindow,
	}
	return &Service{
		repo:                      repo,
		currencies:                currencies,
		charges:                   charges,
		payouts:                   payouts,
		contracts:                 contracts,
		limiter:                   opts.RateLimiter,
		logger:                    logger,
		now:                       clock,
		clearingPeriod:            opts.EarningsClearingPeriod,
		dispatchImmediately:       opts.DispatchWithdrawalsImmediately,
		withdrawalBudget:          budget,
		payoutConfirmationTimeout: confirmationTimeout,
	}
}

// LoadCurrencyTable reads every stored currency version into a table.
func LoadCurrencyTable(ctx context.Context, repo store.Repository) (*domain.CurrencyTable, error) {
	currencies, err := repo.ListCurrencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load currencies: %w", err)
	}
	if len(currencies) == 0 {
		currencies = domain.DefaultCurrencies()
	}
	return domain.NewCurrencyTable(currencies), nil
}

// EnsureFeePolicy stores fallback as the first policy version when none
// exists yet and returns the active policy.
func EnsureFeePolicy(ctx context.Context, repo store.Repository, fallback domain.FeePolicy) (*domain.FeePolicy, error) {
	policy, err := repo.GetActiveFeePolicy(ctx)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, domain.ErrFeePolicyNotFound) {
		return nil, err
	}
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default fee policy is invalid: %w", err)
	}
	return repo.CreateFeePolicy(ctx, fallback)
}

// ActiveFeePolicy returns the policy new escrows are created under.
func (s *Service) ActiveFeePolicy(ctx context.Context) (*domain.FeePolicy, error) {
	return s.repo.GetActiveFeePolicy(ctx)
}

// UpdateFeePolicy publishes a new policy version. Existing escrows keep the
// snapshot they were created with.
func (s *Service) UpdateFeePolicy(ctx context.Context, actor domain.Actor, policy domain.FeePolicy) (*domain.FeePolicy, error) {
	if !actor.IsAdmin {
		return nil, fmt.Errorf("%w: only admins can change fee policy", domain.ErrNotAuthorized)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	created, err := s.repo.CreateFeePolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to store fee policy: %w", err)
	}
	s.logger.Info("fee policy updated", "version", created.Version, "actor", actor.UserID)
	return created, nil
}

// Currencies lists the currency versions in force now.
func (s *Service) Currencies() []domain.Currency {
	return s.currencies.Currencies(s.now())
}

// convert moves amount into the target currency at the current rate.
func (s *Service) convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	converted, err := s.currencies.Convert(amount, from, to, s.now())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrUnsupportedCurrency, err)
	}
	return converted, nil
}

// gatewayError folds pkg/paymentgateway errors into the ledger taxonomy.
func gatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paymentgateway.ErrRejected):
		return fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
}

func (s *Service) enqueueEscrowEvent(ctx context.Context, tx store.Tx, routingKey string, e *domain.Escrow, actor domain.Actor, reason string) error {
	event := domain.NewEscrowEvent(e, actor, reason, s.now())
	if err := tx.EnqueueOutbox(ctx, domain.EscrowEventsExchange, routingKey, event); err != nil {
		return fmt.Errorf("failed to queue %s event: %w", routingKey, err)
	}
	return nil
}

func (s *Service) enqueueWithdrawalEvent(ctx context.Context, tx store.Tx, routingKey string, wd *domain.Withdrawal) error {
	event := domain.NewWithdrawalEvent(wd, s.now())
	if err := tx.EnqueueOutbox(ctx, domain.EscrowEventsExchange, routingKey, event); err != nil {
		return fmt.Errorf("failed to queue %s event: %w", routingKey, err)
	}
	return nil
}

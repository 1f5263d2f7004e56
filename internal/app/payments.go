package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/transfa/escrow-service/internal/domain"
)

// ContractPayments returns the receipts of a contract with funded, released
// and refunded totals. The remaining amount is reported when the contract
// service knows the contract total. Admins and internal callers may read
// payments of contracts the contract service no longer knows.
func (s *Service) ContractPayments(ctx context.Context, actor domain.Actor, contractID string) (*domain.ContractPaymentSummary, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract_id is required", domain.ErrInvalidRequest)
	}

	privileged := actor.IsAdmin || actor.System
	contract, err := s.contracts.GetContract(ctx, contractID)
	if err != nil && !(privileged && errors.Is(err, domain.ErrContractNotFound)) {
		return nil, err
	}
	if contract != nil && !privileged && actor.UserID != contract.ClientID && actor.UserID != contract.ProfessionalID {
		return nil, fmt.Errorf("%w: not a party to this contract", domain.ErrNotAuthorized)
	}

	payments, err := s.repo.ListPaymentsByContract(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if payments == nil {
		payments = []domain.Payment{}
	}

	var summary domain.ContractPaymentSummary
	if contract != nil {
		summary = domain.SummarizeContractPayments(contractID, payments, contract.TotalAmount)
	} else {
		summary = domain.SummarizeContractPayments(contractID, payments, nil)
	}
	return &summary, nil
}

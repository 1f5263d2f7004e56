package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/contractclient"
)

// ContractServiceDirectory adapts the contract service client to the ledger's
// error taxonomy.
type ContractServiceDirectory struct {
	Client *contractclient.Client
}

func (d ContractServiceDirectory) GetContract(ctx context.Context, contractID string) (*domain.Contract, error) {
	c, err := d.Client.GetContract(ctx, contractID)
	switch {
	case errors.Is(err, contractclient.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", domain.ErrContractNotFound, contractID)
	case errors.Is(err, contractclient.ErrUnavailable):
		return nil, fmt.Errorf("%w: contract service: %v", domain.ErrGatewayUnavailable, err)
	case err != nil:
		return nil, err
	}

	contract := &domain.Contract{
		ID:             c.ID,
		ClientID:       c.ClientID,
		ProfessionalID: c.ProfessionalID,
		Currency:       domain.NormalizeCurrencyCode(c.Currency),
		TotalAmount:    c.TotalAmount,
		Status:         c.Status,
		Milestones:     make([]domain.Milestone, 0, len(c.Milestones)),
	}
	if contract.ID == "" {
		contract.ID = contractID
	}
	for _, m := range c.Milestones {
		contract.Milestones = append(contract.Milestones, domain.Milestone{
			ID:     m.ID,
			Title:  m.Title,
			Amount: m.Amount,
			Status: m.Status,
		})
	}
	return contract, nil
}

package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

func LoadCustomer(ctx context.Context, in *GraphState, directory domain.CustomerDirectory) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrInvalidRequest)
	}
	if in.Failed() {
		return in, nil
	}

	customer, err := directory.Customer(ctx, in.Turn.CustomerID)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		in.Fail(contractx.TurnCustomerNotFound, err)
	case err != nil:
		in.Fail(contractx.TurnStoreUnavailable, fmt.Errorf("%w: load customer: %v", domain.ErrStoreUnavailable, err))
	default:
		in.Customer = customer
	}
	return in, nil
}

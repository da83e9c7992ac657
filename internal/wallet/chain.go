package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/models"
)

// Chain broadcasts a withdrawal to its network and returns the transaction
// hash.
type Chain interface {
	Send(ctx context.Context, w *models.WithdrawalRequest) (string, error)
}

// StubChain accepts every withdrawal without touching a network.
type StubChain struct{}

func (StubChain) Send(_ context.Context, w *models.WithdrawalRequest) (string, error) {
	return fmt.Sprintf("stub-%s-%s", w.Currency, uuid.NewSHA1(uuid.NameSpaceOID, w.ID[:])), nil
}

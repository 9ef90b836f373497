package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/store"
)

const defaultHistoryLimit = 50

// Ledger is the account balance surface. Balances are always summed from
// storage; nothing is cached.
type Ledger struct {
	store store.Store
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// RecordOperation appends a signed amount. The resulting balance is not checked.
func (l *Ledger) RecordOperation(ctx context.Context, accountID, amount int64, kind domain.OperationKind, reference string) (*domain.LedgerOperation, error) {
	op := &domain.LedgerOperation{
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Reference: reference,
	}
	if err := l.store.RecordOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("record operation for account %d: %w", accountID, err)
	}
	return op, nil
}

func (l *Ledger) CurrentBalance(ctx context.Context, accountID int64) (int64, error) {
	balance, err := l.store.CurrentBalance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("balance for account %d: %w", accountID, err)
	}
	return balance, nil
}

func (l *Ledger) History(ctx context.Context, accountID int64, limit int) ([]domain.LedgerOperation, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	ops, err := l.store.ListOperations(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for account %d: %w", accountID, err)
	}
	return ops, nil
}

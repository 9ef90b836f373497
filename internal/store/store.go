package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/vpnledger/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("active key already exists for account and server")
)

// Queries is the full set of storage operations. It is implemented both by
// the store itself (each call autocommits) and by the handle passed to InTx.
type Queries interface {
	UpsertAccount(ctx context.Context, acc domain.Account) error
	// LockAccount blocks concurrent transactions touching the same account until commit.
	LockAccount(ctx context.Context, accountID int64) error

	// RecordOperation appends a ledger row and never looks at the resulting balance.
	RecordOperation(ctx context.Context, op *domain.LedgerOperation) error
	CurrentBalance(ctx context.Context, accountID int64) (int64, error)
	ListOperations(ctx context.Context, accountID int64, limit int) ([]domain.LedgerOperation, error)

	CreateServer(ctx context.Context, srv *domain.Server) error
	GetServer(ctx context.Context, id int64) (*domain.Server, error)
	ListActiveServers(ctx context.Context) ([]domain.Server, error)
	// ListServers includes inactive servers.
	ListServers(ctx context.Context) ([]domain.Server, error)

	GetActiveKey(ctx context.Context, accountID, serverID int64) (*domain.Key, error)
	InsertKey(ctx context.Context, key *domain.Key) error
	SetKeyAccessURL(ctx context.Context, keyID int64, accessURL string) error
	ListKeys(ctx context.Context, accountID int64) ([]domain.Key, error)
	// ListKeysDue returns active keys never charged or last charged before cutoff.
	ListKeysDue(ctx context.Context, cutoff time.Time) ([]domain.Key, error)
	// MarkKeyCharged sets last_charged_at only if the key is still due at cutoff.
	MarkKeyCharged(ctx context.Context, keyID int64, cutoff, now time.Time) (bool, error)

	InsertBill(ctx context.Context, bill *domain.Bill) error
	GetBill(ctx context.Context, id uuid.UUID) (*domain.Bill, error)
	ListPendingBills(ctx context.Context, accountID int64) ([]domain.Bill, error)
	ListAccountsWithPendingBills(ctx context.Context) ([]int64, error)
	// MarkBillPaid transitions a pending bill to settled. It returns false when
	// the bill was already settled or discarded.
	MarkBillPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error)
	DiscardStaleBills(ctx context.Context, issuedBefore time.Time) (int64, error)
}

// Store adds scoped transactions. fn's error (or panic) rolls back; a nil
// return commits.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}

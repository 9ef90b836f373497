package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/vpnledger/internal/domain"
)

// MemoryStore keeps everything in process memory. Transactions run one at a
// time against a copy of the state which replaces the original on success,
// so they are serializable and roll back cleanly.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

// autocommit runs a single operation as its own transaction.
func (s *MemoryStore) autocommit(ctx context.Context, fn func(q Queries) error) error {
	return s.InTx(ctx, fn)
}

func (s *MemoryStore) UpsertAccount(ctx context.Context, acc domain.Account) error {
	return s.autocommit(ctx, func(q Queries) error { return q.UpsertAccount(ctx, acc) })
}

func (s *MemoryStore) LockAccount(ctx context.Context, accountID int64) error {
	return s.autocommit(ctx, func(q Queries) error { return q.LockAccount(ctx, accountID) })
}

func (s *MemoryStore) RecordOperation(ctx context.Context, op *domain.LedgerOperation) error {
	return s.autocommit(ctx, func(q Queries) error { return q.RecordOperation(ctx, op) })
}

func (s *MemoryStore) CurrentBalance(ctx context.Context, accountID int64) (balance int64, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		balance, err = q.CurrentBalance(ctx, accountID)
		return err
	})
	return balance, err
}

func (s *MemoryStore) ListOperations(ctx context.Context, accountID int64, limit int) (ops []domain.LedgerOperation, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		ops, err = q.ListOperations(ctx, accountID, limit)
		return err
	})
	return ops, err
}

func (s *MemoryStore) CreateServer(ctx context.Context, srv *domain.Server) error {
	return s.autocommit(ctx, func(q Queries) error { return q.CreateServer(ctx, srv) })
}

func (s *MemoryStore) GetServer(ctx context.Context, id int64) (srv *domain.Server, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		srv, err = q.GetServer(ctx, id)
		return err
	})
	return srv, err
}

func (s *MemoryStore) ListActiveServers(ctx context.Context) (servers []domain.Server, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		servers, err = q.ListActiveServers(ctx)
		return err
	})
	return servers, err
}

func (s *MemoryStore) ListServers(ctx context.Context) (servers []domain.Server, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		servers, err = q.ListServers(ctx)
		return err
	})
	return servers, err
}

func (s *MemoryStore) GetActiveKey(ctx context.Context, accountID, serverID int64) (key *domain.Key, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		key, err = q.GetActiveKey(ctx, accountID, serverID)
		return err
	})
	return key, err
}

func (s *MemoryStore) InsertKey(ctx context.Context, key *domain.Key) error {
	return s.autocommit(ctx, func(q Queries) error { return q.InsertKey(ctx, key) })
}

func (s *MemoryStore) SetKeyAccessURL(ctx context.Context, keyID int64, accessURL string) error {
	return s.autocommit(ctx, func(q Queries) error { return q.SetKeyAccessURL(ctx, keyID, accessURL) })
}

func (s *MemoryStore) ListKeys(ctx context.Context, accountID int64) (keys []domain.Key, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		keys, err = q.ListKeys(ctx, accountID)
		return err
	})
	return keys, err
}

func (s *MemoryStore) ListKeysDue(ctx context.Context, cutoff time.Time) (keys []domain.Key, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		keys, err = q.ListKeysDue(ctx, cutoff)
		return err
	})
	return keys, err
}

func (s *MemoryStore) MarkKeyCharged(ctx context.Context, keyID int64, cutoff, now time.Time) (ok bool, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		ok, err = q.MarkKeyCharged(ctx, keyID, cutoff, now)
		return err
	})
	return ok, err
}

func (s *MemoryStore) InsertBill(ctx context.Context, bill *domain.Bill) error {
	return s.autocommit(ctx, func(q Queries) error { return q.InsertBill(ctx, bill) })
}

func (s *MemoryStore) GetBill(ctx context.Context, id uuid.UUID) (bill *domain.Bill, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		bill, err = q.GetBill(ctx, id)
		return err
	})
	return bill, err
}

func (s *MemoryStore) ListPendingBills(ctx context.Context, accountID int64) (bills []domain.Bill, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		bills, err = q.ListPendingBills(ctx, accountID)
		return err
	})
	return bills, err
}

func (s *MemoryStore) ListAccountsWithPendingBills(ctx context.Context) (ids []int64, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		ids, err = q.ListAccountsWithPendingBills(ctx)
		return err
	})
	return ids, err
}

func (s *MemoryStore) MarkBillPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (ok bool, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		ok, err = q.MarkBillPaid(ctx, id, paidAt)
		return err
	})
	return ok, err
}

func (s *MemoryStore) DiscardStaleBills(ctx context.Context, issuedBefore time.Time) (n int64, err error) {
	err = s.autocommit(ctx, func(q Queries) error {
		n, err = q.DiscardStaleBills(ctx, issuedBefore)
		return err
	})
	return n, err
}

// memState implements Queries without locking; MemoryStore serializes access.
var _ Queries = (*memState)(nil)

type memState struct {
	accounts   map[int64]domain.Account
	operations []domain.LedgerOperation
	servers    map[int64]domain.Server
	keys       map[int64]domain.Key
	bills      map[uuid.UUID]domain.Bill
	nextOpID   int64
	nextSrvID  int64
	nextKeyID  int64
}

func newMemState() *memState {
	return &memState{
		accounts: make(map[int64]domain.Account),
		servers:  make(map[int64]domain.Server),
		keys:     make(map[int64]domain.Key),
		bills:    make(map[uuid.UUID]domain.Bill),
	}
}

// clone copies maps and slices; the values are plain structs whose pointer
// fields are replaced, never mutated in place.
func (m *memState) clone() *memState {
	return &memState{
		accounts:   maps.Clone(m.accounts),
		operations: slices.Clone(m.operations),
		servers:    maps.Clone(m.servers),
		keys:       maps.Clone(m.keys),
		bills:      maps.Clone(m.bills),
		nextOpID:   m.nextOpID,
		nextSrvID:  m.nextSrvID,
		nextKeyID:  m.nextKeyID,
	}
}

func (m *memState) UpsertAccount(_ context.Context, acc domain.Account) error {
	if existing, ok := m.accounts[acc.ID]; ok {
		acc.CreatedAt = existing.CreatedAt
	} else {
		acc.CreatedAt = time.Now()
	}
	m.accounts[acc.ID] = acc
	return nil
}

func (m *memState) LockAccount(_ context.Context, accountID int64) error {
	if _, ok := m.accounts[accountID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (m *memState) RecordOperation(_ context.Context, op *domain.LedgerOperation) error {
	if _, ok := m.accounts[op.AccountID]; !ok {
		m.accounts[op.AccountID] = domain.Account{ID: op.AccountID, CreatedAt: time.Now()}
	}
	m.nextOpID++
	op.ID = m.nextOpID
	op.CreatedAt = time.Now()
	m.operations = append(m.operations, *op)
	return nil
}

func (m *memState) CurrentBalance(_ context.Context, accountID int64) (int64, error) {
	var sum int64
	for _, op := range m.operations {
		if op.AccountID == accountID {
			sum += op.Amount
		}
	}
	return sum, nil
}

func (m *memState) ListOperations(_ context.Context, accountID int64, limit int) ([]domain.LedgerOperation, error) {
	var ops []domain.LedgerOperation
	for i := len(m.operations) - 1; i >= 0 && len(ops) < limit; i-- {
		if m.operations[i].AccountID == accountID {
			ops = append(ops, m.operations[i])
		}
	}
	return ops, nil
}

func (m *memState) CreateServer(_ context.Context, srv *domain.Server) error {
	m.nextSrvID++
	srv.ID = m.nextSrvID
	m.servers[srv.ID] = *srv
	return nil
}

func (m *memState) GetServer(_ context.Context, id int64) (*domain.Server, error) {
	srv, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &srv, nil
}

func (m *memState) ListActiveServers(_ context.Context) ([]domain.Server, error) {
	var servers []domain.Server
	for _, srv := range m.servers {
		if srv.Active {
			servers = append(servers, srv)
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

func (m *memState) ListServers(_ context.Context) ([]domain.Server, error) {
	servers := make([]domain.Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

func (m *memState) sortedKeys(match func(domain.Key) bool) []domain.Key {
	var keys []domain.Key
	for _, k := range m.keys {
		if match(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys
}

func (m *memState) GetActiveKey(_ context.Context, accountID, serverID int64) (*domain.Key, error) {
	for _, k := range m.keys {
		if k.Active && k.AccountID == accountID && k.ServerID == serverID {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) InsertKey(ctx context.Context, key *domain.Key) error {
	if _, err := m.GetActiveKey(ctx, key.AccountID, key.ServerID); err == nil {
		return ErrDuplicateKey
	}
	if _, ok := m.accounts[key.AccountID]; !ok {
		m.accounts[key.AccountID] = domain.Account{ID: key.AccountID, CreatedAt: time.Now()}
	}
	m.nextKeyID++
	key.ID = m.nextKeyID
	key.Active = true
	key.CreatedAt = time.Now()
	m.keys[key.ID] = *key
	return nil
}

func (m *memState) SetKeyAccessURL(_ context.Context, keyID int64, accessURL string) error {
	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.AccessURL = accessURL
	m.keys[keyID] = k
	return nil
}

func (m *memState) ListKeys(_ context.Context, accountID int64) ([]domain.Key, error) {
	return m.sortedKeys(func(k domain.Key) bool { return k.AccountID == accountID }), nil
}

func keyDue(k domain.Key, cutoff time.Time) bool {
	return k.Active && (k.LastChargedAt == nil || k.LastChargedAt.Before(cutoff))
}

func (m *memState) ListKeysDue(_ context.Context, cutoff time.Time) ([]domain.Key, error) {
	return m.sortedKeys(func(k domain.Key) bool { return keyDue(k, cutoff) }), nil
}

func (m *memState) MarkKeyCharged(_ context.Context, keyID int64, cutoff, now time.Time) (bool, error) {
	k, ok := m.keys[keyID]
	if !ok || !keyDue(k, cutoff) {
		return false, nil
	}
	charged := now
	k.LastChargedAt = &charged
	m.keys[keyID] = k
	return true, nil
}

func (m *memState) InsertBill(_ context.Context, bill *domain.Bill) error {
	if _, ok := m.bills[bill.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.accounts[bill.AccountID]; !ok {
		m.accounts[bill.AccountID] = domain.Account{ID: bill.AccountID, CreatedAt: time.Now()}
	}
	bill.Active = true
	m.bills[bill.ID] = *bill
	return nil
}

func (m *memState) GetBill(_ context.Context, id uuid.UUID) (*domain.Bill, error) {
	b, ok := m.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *memState) ListPendingBills(_ context.Context, accountID int64) ([]domain.Bill, error) {
	var bills []domain.Bill
	for _, b := range m.bills {
		if b.AccountID == accountID && b.Status() == domain.BillPending {
			bills = append(bills, b)
		}
	}
	sort.Slice(bills, func(i, j int) bool { return bills[i].IssuedAt.Before(bills[j].IssuedAt) })
	return bills, nil
}

func (m *memState) ListAccountsWithPendingBills(_ context.Context) ([]int64, error) {
	seen := make(map[int64]struct{})
	for _, b := range m.bills {
		if b.Status() == domain.BillPending {
			seen[b.AccountID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (m *memState) MarkBillPaid(_ context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	b, ok := m.bills[id]
	if !ok || b.Status() != domain.BillPending {
		return false, nil
	}
	paid := paidAt
	b.PaidAt = &paid
	m.bills[id] = b
	return true, nil
}

func (m *memState) DiscardStaleBills(_ context.Context, issuedBefore time.Time) (int64, error) {
	var n int64
	for id, b := range m.bills {
		if b.Status() == domain.BillPending && b.IssuedAt.Before(issuedBefore) {
			b.Active = false
			m.bills[id] = b
			n++
		}
	}
	return n, nil
}

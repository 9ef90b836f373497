package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/service"
	"github.com/punchamoorthee/vpnledger/internal/service/mocks"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store   store.Store
	vpn     *mocks.KeyCreator
	pay     *mocks.PaymentProvider
	clock   *fakeClock
	logs    *test.Hook
	pricing service.Pricing

	ledger  *service.Ledger
	prov    *service.Provisioner
	billing *service.Billing
	fees    *service.FeeCollector
	server  domain.Server
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, s store.Store) *fixture {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:   s,
		vpn:     new(mocks.KeyCreator),
		pay:     new(mocks.PaymentProvider),
		clock:   newFakeClock(),
		logs:    hook,
		pricing: service.DefaultPricing(),
	}
	f.ledger = service.NewLedger(s)
	f.prov = service.NewProvisioner(s, f.vpn, f.pricing, logger, f.clock.Now)
	f.billing = service.NewBilling(s, f.pay, f.pricing, logger, f.clock.Now)
	f.fees = service.NewFeeCollector(s, f.pricing, logger, f.clock.Now)

	f.server = domain.Server{Address: "203.0.113.10", RegionCode: "NL", APIURL: "https://203.0.113.10:8443/secret", Active: true}
	require.NoError(t, s.CreateServer(context.Background(), &f.server))
	return f
}

func (f *fixture) credit(t *testing.T, accountID, amount int64) {
	t.Helper()
	_, err := f.ledger.RecordOperation(context.Background(), accountID, amount, domain.KindManualAdjustment, "test")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	b, err := f.ledger.CurrentBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func (f *fixture) errorLogs() int {
	n := 0
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			n++
		}
	}
	return n
}

// failingStore fails ledger appends for one account inside transactions.
type failingStore struct {
	*store.MemoryStore
	failAccount int64
}

func (s *failingStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.MemoryStore.InTx(ctx, func(q store.Queries) error {
		return fn(failingQueries{Queries: q, failAccount: s.failAccount})
	})
}

type failingQueries struct {
	store.Queries
	failAccount int64
}

var errDiskFull = errors.New("disk full")

func (q failingQueries) RecordOperation(ctx context.Context, op *domain.LedgerOperation) error {
	if op.AccountID == q.failAccount {
		return errDiskFull
	}
	return q.Queries.RecordOperation(ctx, op)
}

// staleReadStore hides active keys from reads inside transactions, the view
// a transaction has when a concurrent issuance commits after its read.
type staleReadStore struct {
	store.Store
}

func (s staleReadStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.Store.InTx(ctx, func(q store.Queries) error {
		return fn(staleReadQueries{Queries: q})
	})
}

type staleReadQueries struct {
	store.Queries
}

func (staleReadQueries) GetActiveKey(context.Context, int64, int64) (*domain.Key, error) {
	return nil, store.ErrNotFound
}

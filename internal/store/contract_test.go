package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises behavior every Store implementation must share.
// newStore must return an empty store.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("balance is the sum of operations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		balance, err := s.CurrentBalance(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, balance)

		for _, op := range []domain.LedgerOperation{
			{AccountID: 1, Amount: 150, Kind: domain.KindBillPayment},
			{AccountID: 2, Amount: 99, Kind: domain.KindManualAdjustment},
			{AccountID: 1, Amount: -150, Kind: domain.KindKeyIssue},
			{AccountID: 1, Amount: -150, Kind: domain.KindMonthlyFee},
		} {
			require.NoError(t, s.RecordOperation(ctx, &op))
			assert.NotZero(t, op.ID)
		}

		balance, err = s.CurrentBalance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-150), balance)

		ops, err := s.ListOperations(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, domain.KindMonthlyFee, ops[0].Kind)
		assert.Equal(t, domain.KindBillPayment, ops[2].Kind)
	})

	t.Run("lock requires an account", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.InTx(ctx, func(q Queries) error { return q.LockAccount(ctx, 5) })
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.InTx(ctx, func(q Queries) error {
			if err := q.UpsertAccount(ctx, domain.Account{ID: 5, DisplayName: "eve"}); err != nil {
				return err
			}
			return q.LockAccount(ctx, 5)
		}))
	})

	t.Run("failed transaction leaves nothing behind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.InTx(ctx, func(q Queries) error {
			if err := q.RecordOperation(ctx, &domain.LedgerOperation{AccountID: 3, Amount: 500, Kind: domain.KindManualAdjustment}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		balance, err := s.CurrentBalance(ctx, 3)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("one active key per pair", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		srv := domain.Server{Address: "203.0.113.10", RegionCode: "NL", APIURL: "https://203.0.113.10/a", Active: true}
		require.NoError(t, s.CreateServer(ctx, &srv))

		key := domain.Key{AccountID: 1, ServerID: srv.ID, Label: "alice"}
		require.NoError(t, s.InsertKey(ctx, &key))
		assert.True(t, key.Active)

		dup := domain.Key{AccountID: 1, ServerID: srv.ID, Label: "alice"}
		require.ErrorIs(t, s.InsertKey(ctx, &dup), ErrDuplicateKey)

		require.NoError(t, s.SetKeyAccessURL(ctx, key.ID, "ss://alice"))
		got, err := s.GetActiveKey(ctx, 1, srv.ID)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.True(t, got.Provisioned())

		_, err = s.GetActiveKey(ctx, 2, srv.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.SetKeyAccessURL(ctx, 9999, "x"), ErrNotFound)
	})

	t.Run("keys due and conditional charge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		srv := domain.Server{Address: "203.0.113.10", RegionCode: "NL", APIURL: "https://203.0.113.10/a", Active: true}
		require.NoError(t, s.CreateServer(ctx, &srv))

		old := base.Add(-40 * 24 * time.Hour)
		recent := base.Add(-5 * 24 * time.Hour)
		never := domain.Key{AccountID: 1, ServerID: srv.ID, Label: "a"}
		stale := domain.Key{AccountID: 2, ServerID: srv.ID, Label: "b", LastChargedAt: &old}
		fresh := domain.Key{AccountID: 3, ServerID: srv.ID, Label: "c", LastChargedAt: &recent}
		for _, k := range []*domain.Key{&never, &stale, &fresh} {
			require.NoError(t, s.InsertKey(ctx, k))
		}

		cutoff := base.Add(-31 * 24 * time.Hour)
		due, err := s.ListKeysDue(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.ElementsMatch(t, []int64{never.ID, stale.ID}, []int64{due[0].ID, due[1].ID})

		ok, err := s.MarkKeyCharged(ctx, stale.ID, cutoff, base)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.MarkKeyCharged(ctx, stale.ID, cutoff, base)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.MarkKeyCharged(ctx, fresh.ID, cutoff, base)
		require.NoError(t, err)
		assert.False(t, ok)

		due, err = s.ListKeysDue(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, never.ID, due[0].ID)
	})

	t.Run("bill lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		settled := domain.Bill{ID: uuid.New(), AccountID: 1, Amount: 150, IssuedAt: base}
		stale := domain.Bill{ID: uuid.New(), AccountID: 2, Amount: 150, IssuedAt: base.Add(-time.Hour)}
		open := domain.Bill{ID: uuid.New(), AccountID: 3, Amount: 150, IssuedAt: base}
		for _, b := range []*domain.Bill{&settled, &stale, &open} {
			require.NoError(t, s.InsertBill(ctx, b))
			assert.True(t, b.Active)
		}

		accounts, err := s.ListAccountsWithPendingBills(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, accounts)

		ok, err := s.MarkBillPaid(ctx, settled.ID, base)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.MarkBillPaid(ctx, settled.ID, base)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.DiscardStaleBills(ctx, base.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		ok, err = s.MarkBillPaid(ctx, stale.ID, base)
		require.NoError(t, err)
		assert.False(t, ok, "discarded bill must not settle")

		accounts, err = s.ListAccountsWithPendingBills(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, accounts)

		got, err := s.GetBill(ctx, settled.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BillSettled, got.Status())
		got, err = s.GetBill(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BillDiscarded, got.Status())

		pending, err := s.ListPendingBills(ctx, 3)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, open.ID, pending[0].ID)

		_, err = s.GetBill(ctx, uuid.New())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent settlement marks once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bill := domain.Bill{ID: uuid.New(), AccountID: 1, Amount: 150, IssuedAt: base}
		require.NoError(t, s.InsertBill(ctx, &bill))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.InTx(ctx, func(q Queries) error {
					ok, err := q.MarkBillPaid(ctx, bill.ID, base)
					if err != nil || !ok {
						return err
					}
					mu.Lock()
					wins++
					mu.Unlock()
					return q.RecordOperation(ctx, &domain.LedgerOperation{AccountID: 1, Amount: 150, Kind: domain.KindBillPayment})
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		balance, err := s.CurrentBalance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(150), balance)
	})

	t.Run("active servers only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		on := domain.Server{Address: "a", RegionCode: "NL", APIURL: "https://a/x", Active: true}
		off := domain.Server{Address: "b", RegionCode: "DE", APIURL: "https://b/x", Active: false}
		require.NoError(t, s.CreateServer(ctx, &on))
		require.NoError(t, s.CreateServer(ctx, &off))

		servers, err := s.ListActiveServers(ctx)
		require.NoError(t, err)
		require.Len(t, servers, 1)
		assert.Equal(t, on.ID, servers[0].ID)

		all, err := s.ListServers(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, on.ID, all[0].ID)
		assert.Equal(t, off.ID, all[1].ID)

		got, err := s.GetServer(ctx, off.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		_, err = s.GetServer(ctx, 9999)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/service"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var alice = domain.Identity{AccountID: 42, DisplayName: "alice", FullName: "Alice Liddell"}

func TestIssueKeyChargesOnceAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.ErrorIs(t, err, service.ErrInsufficientFunds)
	f.vpn.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything, mock.Anything)

	f.credit(t, alice.AccountID, 150)
	f.vpn.On("CreateKey", mock.Anything, f.server, "42:alice").Return("ss://key-1", nil).Once()

	key, created, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ss://key-1", key.AccessURL)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))

	again, created, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key.ID, again.ID)
	assert.Equal(t, "ss://key-1", again.AccessURL)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))

	f.vpn.AssertNumberOfCalls(t, "CreateKey", 1)
}

func TestIssueKeyRecordsDebitAndChargeTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, alice.AccountID, 200)
	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).Return("ss://k", nil)

	key, _, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	require.NotNil(t, key.LastChargedAt)
	assert.Equal(t, f.clock.Now(), *key.LastChargedAt)

	ops, err := f.ledger.History(ctx, alice.AccountID, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, int64(-150), ops[0].Amount)
	assert.Equal(t, domain.KindKeyIssue, ops[0].Kind)
	assert.Equal(t, int64(50), f.balance(t, alice.AccountID))
}

func TestIssueKeyUnknownServer(t *testing.T) {
	f := newFixture(t)
	f.credit(t, alice.AccountID, 500)

	_, _, err := f.prov.IssueKey(context.Background(), alice, 999)
	require.ErrorIs(t, err, service.ErrServerNotFound)
	assert.Equal(t, int64(500), f.balance(t, alice.AccountID))
}

func TestIssueKeyInactiveServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	retired := domain.Server{Address: "198.51.100.1", RegionCode: "DE", Active: false}
	require.NoError(t, f.store.CreateServer(ctx, &retired))
	f.credit(t, alice.AccountID, 500)

	_, _, err := f.prov.IssueKey(ctx, alice, retired.ID)
	require.ErrorIs(t, err, service.ErrServerNotFound)
	assert.Equal(t, int64(500), f.balance(t, alice.AccountID))
}

func TestIssueKeyProviderFailureKeepsDebitAndRetriesWithoutCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, alice.AccountID, 150)

	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection refused")).Once()
	_, _, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.ErrorIs(t, err, service.ErrProvider)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))
	assert.Equal(t, 1, f.errorLogs())

	keys, err := f.prov.Keys(ctx, alice.AccountID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Provisioned())

	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).Return("ss://retry", nil).Once()
	key, created, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, keys[0].ID, key.ID)
	assert.Equal(t, "ss://retry", key.AccessURL)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))
}

func TestIssueKeyConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	f.credit(t, alice.AccountID, 1000)
	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).Return("ss://once", nil)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[int64]struct{})
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, isNew, err := f.prov.IssueKey(context.Background(), alice, f.server.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[key.ID] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Equal(t, int64(850), f.balance(t, alice.AccountID))
	f.vpn.AssertNumberOfCalls(t, "CreateKey", 1)
}

func TestIssueKeyDuplicateInsertReturnsExistingKey(t *testing.T) {
	f := newFixtureWithStore(t, staleReadStore{Store: store.NewMemoryStore()})
	assertDuplicateInsertReturnsExistingKey(t, f)
}

func assertDuplicateInsertReturnsExistingKey(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	f.credit(t, alice.AccountID, 150)
	winner := domain.Key{AccountID: alice.AccountID, ServerID: f.server.ID, Label: "42:alice", AccessURL: "ss://winner"}
	require.NoError(t, f.store.InsertKey(ctx, &winner))

	key, created, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, key.ID)
	assert.Equal(t, "ss://winner", key.AccessURL)
	assert.Equal(t, int64(150), f.balance(t, alice.AccountID))

	ops, err := f.ledger.History(ctx, alice.AccountID, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
	f.vpn.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything, mock.Anything)
}

func TestIssueKeyCanceledCallerDoesNotAbortSharedCall(t *testing.T) {
	f := newFixture(t)
	f.credit(t, alice.AccountID, 150)

	started := make(chan struct{})
	release := make(chan struct{})
	callErr := make(chan error, 1)
	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-release
			callErr <- args.Get(0).(context.Context).Err()
		}).
		Return("ss://shared", nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := f.prov.IssueKey(ctx, alice, f.server.ID)
		firstErr <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-callErr)

	key, created, err := f.prov.IssueKey(context.Background(), alice, f.server.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ss://shared", key.AccessURL)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))
	f.vpn.AssertNumberOfCalls(t, "CreateKey", 1)
}

func TestIssueKeyChargesEachServerSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := domain.Server{Address: "198.51.100.2", RegionCode: "FI", Active: true}
	require.NoError(t, f.store.CreateServer(ctx, &second))
	f.credit(t, alice.AccountID, 300)
	f.vpn.On("CreateKey", mock.Anything, mock.Anything, mock.Anything).Return("ss://k", nil)

	k1, created1, err := f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	k2, created2, err := f.prov.IssueKey(ctx, alice, second.ID)
	require.NoError(t, err)

	assert.True(t, created1)
	assert.True(t, created2)
	assert.NotEqual(t, k1.ID, k2.ID)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))

	_, _, err = f.prov.IssueKey(ctx, alice, f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, alice.AccountID))
}

func TestIssueKeyLabelFallsBackToAccountID(t *testing.T) {
	f := newFixture(t)
	anon := domain.Identity{AccountID: 7}
	f.credit(t, anon.AccountID, 150)
	f.vpn.On("CreateKey", mock.Anything, mock.Anything, "7").Return("ss://anon", nil).Once()

	key, _, err := f.prov.IssueKey(context.Background(), anon, f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, "7", key.Label)
	f.vpn.AssertExpectations(t)
}

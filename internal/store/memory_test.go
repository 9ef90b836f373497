package store

import (
	"context"
	"testing"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	srv := domain.Server{Address: "a", RegionCode: "NL", Active: true}
	require.NoError(t, s.CreateServer(ctx, &srv))

	got, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	got.Active = false

	again, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, again.Active)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.InTx(ctx, func(Queries) error { return nil }), context.Canceled)
}

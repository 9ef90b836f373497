// Package mocks holds testify mocks of the service collaborators.
package mocks

import (
	"context"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/stretchr/testify/mock"
)

type KeyCreator struct {
	mock.Mock
}

func (m *KeyCreator) CreateKey(ctx context.Context, server domain.Server, label string) (string, error) {
	args := m.Called(ctx, server, label)
	return args.String(0), args.Error(1)
}

type PaymentProvider struct {
	mock.Mock
}

func (m *PaymentProvider) CreatePaymentRequest(ctx context.Context, amount int64, label string) (string, error) {
	args := m.Called(ctx, amount, label)
	return args.String(0), args.Error(1)
}

func (m *PaymentProvider) SettledTransactions(ctx context.Context, label string) ([]domain.Settlement, error) {
	args := m.Called(ctx, label)
	var records []domain.Settlement
	if v := args.Get(0); v != nil {
		records = v.([]domain.Settlement)
	}
	return records, args.Error(1)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/sirupsen/logrus"
)

// PaymentProvider collects money and reports settlements by correlation label.
type PaymentProvider interface {
	CreatePaymentRequest(ctx context.Context, amount int64, label string) (paymentURL string, err error)
	SettledTransactions(ctx context.Context, label string) ([]domain.Settlement, error)
}

// Billing issues bills and credits the ledger once the provider reports them paid.
type Billing struct {
	store    store.Store
	payments PaymentProvider
	pricing  Pricing
	log      logrus.FieldLogger
	now      Clock
}

func NewBilling(s store.Store, payments PaymentProvider, pricing Pricing, log logrus.FieldLogger, now Clock) *Billing {
	log, now = orDefaults(log, now)
	return &Billing{store: s, payments: payments, pricing: pricing, log: log, now: now}
}

// CreateBill commits a pending bill and then asks the provider for a payment
// URL labelled with the bill id. On a provider failure the committed bill is
// still returned alongside the error so it can be traced.
func (b *Billing) CreateBill(ctx context.Context, accountID int64) (*domain.Bill, string, error) {
	bill := &domain.Bill{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    b.pricing.BillAmount,
		IssuedAt:  b.now(),
	}
	if err := b.store.InsertBill(ctx, bill); err != nil {
		return nil, "", fmt.Errorf("create bill for account %d: %w", accountID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.pricing.ProviderTimeout)
	defer cancel()

	paymentURL, err := b.payments.CreatePaymentRequest(callCtx, bill.Amount, bill.ID.String())
	if err != nil {
		return bill, "", fmt.Errorf("%w: payment request for bill %s: %v", ErrProvider, bill.ID, err)
	}

	b.log.WithFields(logrus.Fields{"account_id": accountID, "bill_id": bill.ID}).Info("bill issued")
	return bill, paymentURL, nil
}

func (b *Billing) GetBill(ctx context.Context, id uuid.UUID) (*domain.Bill, error) {
	bill, err := b.store.GetBill(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bill %s: %w", id, err)
	}
	return bill, nil
}

func (b *Billing) PendingBills(ctx context.Context, accountID int64) ([]domain.Bill, error) {
	bills, err := b.store.ListPendingBills(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("pending bills for account %d: %w", accountID, err)
	}
	return bills, nil
}

// Reconcile settles every pending bill of the account that the provider
// reports as paid. Unpaid bills are left alone. A failure on one bill does not
// stop the others; all failures are returned joined.
func (b *Billing) Reconcile(ctx context.Context, accountID int64) ([]domain.Bill, error) {
	pending, err := b.store.ListPendingBills(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reconcile account %d: %w", accountID, err)
	}

	var (
		settled []domain.Bill
		errs    []error
	)
	for _, bill := range pending {
		logger := b.log.WithFields(logrus.Fields{"account_id": accountID, "bill_id": bill.ID})

		paid, err := b.isPaid(ctx, bill)
		if err != nil {
			logger.WithError(err).Warn("payment status check failed")
			errs = append(errs, err)
			continue
		}
		if !paid {
			logger.Debug("bill is not paid")
			continue
		}

		ok, err := b.settle(ctx, &bill)
		if err != nil {
			logger.WithError(err).Error("bill settlement failed")
			errs = append(errs, err)
			continue
		}
		if !ok {
			logger.Debug("bill already settled or discarded")
			continue
		}
		logger.Info("bill is paid")
		settled = append(settled, bill)
	}
	return settled, errors.Join(errs...)
}

func (b *Billing) isPaid(ctx context.Context, bill domain.Bill) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.pricing.ProviderTimeout)
	defer cancel()

	label := bill.ID.String()
	records, err := b.payments.SettledTransactions(callCtx, label)
	if err != nil {
		return false, fmt.Errorf("%w: transaction history for bill %s: %v", ErrProvider, label, err)
	}
	for _, rec := range records {
		if rec.Label == label && rec.Settled() {
			return true, nil
		}
	}
	return false, nil
}

// settle marks the bill paid and credits the ledger in one transaction. It
// reports false when another pass already settled or discarded the bill.
func (b *Billing) settle(ctx context.Context, bill *domain.Bill) (bool, error) {
	now := b.now()
	var ok bool
	err := b.store.InTx(ctx, func(q store.Queries) error {
		var err error
		ok, err = q.MarkBillPaid(ctx, bill.ID, now)
		if err != nil || !ok {
			return err
		}
		return q.RecordOperation(ctx, &domain.LedgerOperation{
			AccountID: bill.AccountID,
			Amount:    bill.Amount,
			Kind:      domain.KindBillPayment,
			Reference: bill.ID.String(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("settle bill %s: %w", bill.ID, err)
	}
	if ok {
		bill.PaidAt = &now
	}
	return ok, nil
}

// ReconcileResult summarizes one pass over all accounts with pending bills.
type ReconcileResult struct {
	Accounts int
	Settled  int
	Failed   int
}

// ReconcileAllPendingBills runs Reconcile for every account with pending
// bills, logging failures and moving on.
func (b *Billing) ReconcileAllPendingBills(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	accounts, err := b.store.ListAccountsWithPendingBills(ctx)
	if err != nil {
		return res, fmt.Errorf("list accounts with pending bills: %w", err)
	}
	res.Accounts = len(accounts)

	for _, accountID := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		settled, err := b.Reconcile(ctx, accountID)
		res.Settled += len(settled)
		if err != nil {
			res.Failed++
			b.log.WithError(err).WithField("account_id", accountID).Warn("reconciliation incomplete")
		}
	}
	return res, nil
}

// DiscardStaleBills soft-removes bills left unpaid past the staleness window.
// A discarded bill is never matched again.
func (b *Billing) DiscardStaleBills(ctx context.Context) (int64, error) {
	cutoff := b.now().Add(-b.pricing.BillStaleAfter)
	n, err := b.store.DiscardStaleBills(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("discard stale bills: %w", err)
	}
	if n > 0 {
		b.log.WithField("count", n).Info("stale bills discarded")
	}
	return n, nil
}

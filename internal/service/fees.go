package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/sirupsen/logrus"
)

// FeeCollector charges the monthly fee for every key whose billing period has
// elapsed. It does not look at balances: accounts may go negative, and the
// next IssueKey funds check is the only enforcement.
type FeeCollector struct {
	store   store.Store
	pricing Pricing
	log     logrus.FieldLogger
	now     Clock
}

func NewFeeCollector(s store.Store, pricing Pricing, log logrus.FieldLogger, now Clock) *FeeCollector {
	log, now = orDefaults(log, now)
	return &FeeCollector{store: s, pricing: pricing, log: log, now: now}
}

type WithdrawResult struct {
	Due     int
	Charged int
	Skipped int
	Failed  int
}

// WithdrawMonthlyFee charges each due key independently. A failed key is
// logged and the pass continues; only a failure to list keys is returned.
func (f *FeeCollector) WithdrawMonthlyFee(ctx context.Context) (WithdrawResult, error) {
	var res WithdrawResult
	now := f.now()
	cutoff := now.Add(-f.pricing.BillingPeriod)

	keys, err := f.store.ListKeysDue(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list keys due: %w", err)
	}
	res.Due = len(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		logger := f.log.WithFields(logrus.Fields{"account_id": key.AccountID, "key_id": key.ID})

		charged, err := f.charge(ctx, key, cutoff, now)
		switch {
		case err != nil:
			res.Failed++
			logger.WithError(err).Error("monthly fee withdrawal failed")
		case charged:
			res.Charged++
			logger.Info("balance was withdrawn")
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// charge moves last_charged_at forward and debits in one transaction. The
// update is conditional on the key still being due, so an overlapping pass
// skips it instead of charging twice.
func (f *FeeCollector) charge(ctx context.Context, key domain.Key, cutoff, now time.Time) (bool, error) {
	var charged bool
	err := f.store.InTx(ctx, func(q store.Queries) error {
		ok, err := q.MarkKeyCharged(ctx, key.ID, cutoff, now)
		if err != nil || !ok {
			return err
		}
		charged = true
		return q.RecordOperation(ctx, &domain.LedgerOperation{
			AccountID: key.AccountID,
			Amount:    -f.pricing.MonthlyFee,
			Kind:      domain.KindMonthlyFee,
			Reference: keyReference(key.ID),
		})
	})
	if err != nil {
		return false, err
	}
	return charged, nil
}

package service

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Pricing holds the fixed amounts and windows the billing core runs on.
type Pricing struct {
	MonthlyFee      int64
	BillAmount      int64
	BillStaleAfter  time.Duration
	BillingPeriod   time.Duration
	ProviderTimeout time.Duration
}

func DefaultPricing() Pricing {
	return Pricing{
		MonthlyFee:      150,
		BillAmount:      150,
		BillStaleAfter:  10 * time.Minute,
		BillingPeriod:   31 * 24 * time.Hour,
		ProviderTimeout: 15 * time.Second,
	}
}

// Clock returns the current time. Tests swap it for a fixed one.
type Clock func() time.Time

func orDefaults(log logrus.FieldLogger, now Clock) (logrus.FieldLogger, Clock) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if now == nil {
		now = time.Now
	}
	return log, now
}

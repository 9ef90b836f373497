// Package app wires configuration into the store, collaborators and services
// shared by the commands.
package app

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/vpnledger/internal/config"
	"github.com/punchamoorthee/vpnledger/internal/jobs"
	"github.com/punchamoorthee/vpnledger/internal/payment"
	"github.com/punchamoorthee/vpnledger/internal/service"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/punchamoorthee/vpnledger/internal/vpn"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config *config.Config
	Store  store.Store

	Ledger    *service.Ledger
	Keys      *service.Provisioner
	Billing   *service.Billing
	Fees      *service.FeeCollector
	Servers   *service.Servers
	Gate      service.AccessGate
	Scheduler *jobs.Scheduler
}

func Pricing(cfg *config.Config) service.Pricing {
	return service.Pricing{
		MonthlyFee:      cfg.MonthlyFee,
		BillAmount:      cfg.BillAmount,
		BillStaleAfter:  cfg.BillStaleAfter,
		BillingPeriod:   cfg.BillingPeriod,
		ProviderTimeout: cfg.ProviderTimeout,
	}
}

// OpenStore connects to the configured driver. Postgres schemas are migrated
// on open.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := vpn.NewRegistry(cfg.VPNClientCacheSize, cfg.ProviderTimeout, log.WithField("component", "vpn"))
	if err != nil {
		st.Close()
		return nil, err
	}
	wallet := payment.NewYooMoney(payment.Config{
		BaseURL:  cfg.YooMoneyAPIURL,
		Token:    cfg.YooMoneyToken,
		Receiver: cfg.YooMoneyReceiver,
		Targets:  cfg.PaymentTargets,
		Timeout:  cfg.ProviderTimeout,
	})

	pricing := Pricing(cfg)
	a := &App{
		Config:  cfg,
		Store:   st,
		Ledger:  service.NewLedger(st),
		Keys:    service.NewProvisioner(st, registry, pricing, log.WithField("component", "keys"), nil),
		Billing: service.NewBilling(st, wallet, pricing, log.WithField("component", "billing"), nil),
		Fees:    service.NewFeeCollector(st, pricing, log.WithField("component", "fees"), nil),
		Servers: service.NewServers(st),
		Gate:    service.NewAllowList(cfg.AllowedAccounts),
	}
	a.Scheduler = jobs.NewScheduler(a.Billing, a.Fees, log.WithField("component", "jobs"))
	return a, nil
}

func (a *App) Close() {
	a.Store.Close()
}

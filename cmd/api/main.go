package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/vpnledger/internal/api"
	"github.com/punchamoorthee/vpnledger/internal/app"
	"github.com/punchamoorthee/vpnledger/internal/config"
	"github.com/punchamoorthee/vpnledger/internal/jobs"
	"github.com/punchamoorthee/vpnledger/internal/logging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if err := a.Scheduler.Register(jobs.Schedules{Billing: cfg.ReconcileSchedule, Fees: cfg.FeeSchedule}); err != nil {
		log.WithError(err).Fatal("scheduler setup failed")
	}

	handler := api.NewHandler(a.Ledger, a.Keys, a.Billing, a.Servers, a.Gate, log.WithField("component", "api"))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"port": cfg.Port, "store": cfg.StoreDriver, "env": cfg.Env}).Info("server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Start()
		<-gctx.Done()

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.Scheduler.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

// Package app wires the repositories, broker backends and engine together
// for the two runnable processes: the webhook gateway and the reconciliation
// worker.
package app

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/alert"
	"signalexecutor/src/broker"
	"signalexecutor/src/database"
	"signalexecutor/src/dedup"
	"signalexecutor/src/engine"
	"signalexecutor/src/executors"
	"signalexecutor/src/repository"
	"signalexecutor/src/risk"
	"signalexecutor/src/server"
)

// App holds the fully wired component graph.
type App struct {
	Brokers    *broker.Provider
	Signals    *repository.SignalRepository
	Orders     *repository.OrderRepository
	Ledger     *repository.LedgerRepository
	Deduper    *dedup.Deduplicator
	Engine     *engine.Engine
	Reconciler *executors.Reconciler
}

// Build initializes the databases and constructs every component from its
// environment config.
func Build() (*App, error) {
	if err := database.InitMainDB(); err != nil {
		return nil, err
	}
	if err := database.InitReadOnlyDB(); err != nil {
		return nil, err
	}

	brokers := broker.NewProvider(broker.GetConfig())
	signals := repository.NewSignalRepository()
	orders := repository.NewOrderRepository()
	ledger := repository.NewLedgerRepository()

	dedupCfg := dedup.GetConfig()
	deduper := dedup.New(signals, dedup.CacheFromConfig(dedupCfg), dedupCfg.Retention)

	notifier := alert.FromConfig(alert.GetConfig())
	sizer := risk.NewSizer(risk.GetConfig())

	eng := engine.New(engine.GetConfig(), brokers, signals, orders, sizer, notifier)
	reconciler := executors.NewReconciler(executors.GetConfig(), eng, brokers, orders, deduper)

	return &App{
		Brokers:    brokers,
		Signals:    signals,
		Orders:     orders,
		Ledger:     ledger,
		Deduper:    deduper,
		Engine:     eng,
		Reconciler: reconciler,
	}, nil
}

// RunServer starts the webhook gateway after a recovery pass. Blocks until
// shutdown.
func (a *App) RunServer(ctx context.Context, port string) error {
	if err := a.Engine.Recover(ctx); err != nil {
		return err
	}

	server.StartServer(port, server.Deps{
		Deduper: a.Deduper,
		Engine:  a.Engine,
		Brokers: a.Brokers,
		Signals: a.Signals,
		Orders:  a.Orders,
		Ledger:  a.Ledger,
	})
	return nil
}

// RunReconciler starts the background reconciliation worker. Blocks until
// the context is cancelled.
func (a *App) RunReconciler(ctx context.Context) error {
	if err := a.Engine.Recover(ctx); err != nil {
		return err
	}
	return a.Reconciler.StartLoop(ctx)
}

// RunRecover performs a single recovery pass and exits, for operator use
// after an incident.
func (a *App) RunRecover(ctx context.Context) error {
	if err := a.Engine.Recover(ctx); err != nil {
		return err
	}
	logger.Info("Recovery complete")
	return nil
}

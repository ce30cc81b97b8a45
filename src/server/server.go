package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/broker"
	"signalexecutor/src/database"
	"signalexecutor/src/dedup"
	"signalexecutor/src/engine"
	"signalexecutor/src/handler"
	"signalexecutor/src/metrics"
	"signalexecutor/src/repository"
	"signalexecutor/src/security"
)

// Deps bundles everything the HTTP surface needs; construction happens in the
// app wiring so tests can swap pieces out.
type Deps struct {
	Deduper *dedup.Deduplicator
	Engine  *engine.Engine
	Brokers *broker.Provider
	Signals *repository.SignalRepository
	Orders  *repository.OrderRepository
	Ledger  *repository.LedgerRepository
}

// NewRouter builds the full route table.
func NewRouter(deps Deps) *chi.Mux {
	securityCfg := security.GetConfig()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	// Public routes
	r.Get("/healthcheck", healthcheckHandler(deps.Brokers))
	r.Handle("/metrics", metrics.Handler())

	r.Post("/webhook", handler.WebhookHandler(securityCfg.WebhookSecret, deps.Deduper, deps.Engine))

	// Read API behind bearer auth
	r.Group(func(r chi.Router) {
		r.Use(handler.APIAuthMiddleware(securityCfg.APITokenHash))
		r.Get("/api/signals", handler.ListSignalsHandler(deps.Signals))
		r.Get("/api/signals/{id}", handler.GetSignalHandler(deps.Signals, deps.Orders, deps.Ledger))
		r.Get("/api/performance", handler.PerformanceHandler(deps.Ledger))
	})

	return r
}

type healthResponse struct {
	Status  string            `json:"status"`
	Brokers map[string]string `json:"brokers"`
}

func healthcheckHandler(brokers *broker.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Brokers: map[string]string{}}

		if sqlDB, err := database.MainDB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			resp.Status = "degraded"
		}

		for _, mode := range brokers.Modes() {
			backend, err := brokers.ForMode(mode)
			if err != nil {
				continue
			}
			if _, err := backend.GetAccount(r.Context()); err != nil {
				resp.Brokers[mode] = "unreachable"
				resp.Status = "degraded"
			} else {
				resp.Brokers[mode] = "ok"
			}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.WithError(err).Error("healthcheck write failed")
		}
	}
}

// StartServer runs the HTTP server until SIGINT or SIGTERM.
func StartServer(port string, deps Deps) {
	r := NewRouter(deps)

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), GetConfig().ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}

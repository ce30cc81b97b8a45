package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/model"
	"signalexecutor/src/repository"
	"signalexecutor/src/security"
)

type signalReader interface {
	FindByID(ctx context.Context, id uint) (*model.Signal, error)
	List(ctx context.Context, limit, offset int) ([]model.Signal, error)
}

type ledgerReader interface {
	HistoryBySignal(ctx context.Context, signalID uint) ([]model.LedgerEntry, error)
	Stats(ctx context.Context) (*repository.PerformanceStats, error)
}

type orderReader interface {
	FindBySignalID(ctx context.Context, signalID uint) (*model.OrderIntent, error)
}

// APIAuthMiddleware guards the read API with a bearer token checked against
// a bcrypt hash. An empty hash leaves the API open.
func APIAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !security.CheckAPIToken(tokenHash, token) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListSignalsHandler lists signals newest first with page/pageSize pagination.
func ListSignalsHandler(signals signalReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if pageParam := r.URL.Query().Get("page"); pageParam != "" {
			parsedPage, err := strconv.Atoi(pageParam)
			if err != nil || parsedPage <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsedPage
		}

		pageSize := 50
		if sizeParam := r.URL.Query().Get("pageSize"); sizeParam != "" {
			parsedSize, err := strconv.Atoi(sizeParam)
			if err != nil || parsedSize <= 0 || parsedSize > 500 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsedSize
		}

		result, err := signals.List(r.Context(), pageSize, (page-1)*pageSize)
		if err != nil {
			logger.WithError(err).Error("failed to list signals")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

type signalDetail struct {
	Signal  *model.Signal       `json:"signal"`
	Order   *model.OrderIntent  `json:"order,omitempty"`
	History []model.LedgerEntry `json:"history"`
}

// GetSignalHandler returns one signal with its order and full ledger history.
func GetSignalHandler(signals signalReader, orders orderReader, ledger ledgerReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idParam := chi.URLParam(r, "id")
		id, err := strconv.ParseUint(idParam, 10, 64)
		if err != nil {
			http.Error(w, "invalid signal id", http.StatusBadRequest)
			return
		}

		signal, err := signals.FindByID(r.Context(), uint(id))
		if err != nil {
			logger.WithError(err).Error("failed to fetch signal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if signal == nil {
			http.Error(w, "signal not found", http.StatusNotFound)
			return
		}

		order, err := orders.FindBySignalID(r.Context(), signal.ID)
		if err != nil {
			logger.WithError(err).Error("failed to fetch order for signal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		history, err := ledger.HistoryBySignal(r.Context(), signal.ID)
		if err != nil {
			logger.WithError(err).Error("failed to fetch ledger history")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, signalDetail{
			Signal:  signal,
			Order:   order,
			History: history,
		})
	}
}

// PerformanceHandler returns the aggregate execution statistics.
func PerformanceHandler(ledger ledgerReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := ledger.Stats(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to compute performance stats")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// Package bulk provides batched document-store operations for the banking
// layer: query-shape optimization, combined bulk writes, and the daily
// interest run. All storage round trips go through the retry executor and
// are timed into the profiler.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/pkg/cache"
	"github.com/D9292S/New-Quantum-Bank/pkg/retry"
	"github.com/D9292S/New-Quantum-Bank/profiler"
	"github.com/D9292S/New-Quantum-Bank/storage"
)

// Collection names used by the banking helpers.
const (
	AccountsCollection     = "accounts"
	TransactionsCollection = "transactions"
)

// Helper bundles the shared infrastructure for bulk account operations.
type Helper struct {
	db       storage.Database
	exec     *retry.Executor
	profiler *profiler.Profiler
	memo     *cache.Memoizer[[]storage.Document]
	logger   *slog.Logger
}

// NewHelper creates a bulk operations helper. The memoizer is optional;
// without it leaderboard reads go straight to storage.
func NewHelper(db storage.Database, exec *retry.Executor, prof *profiler.Profiler, memo *cache.Memoizer[[]storage.Document], logger *slog.Logger) (*Helper, error) {
	if db == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "bulk", "NewHelper", "database is required")
	}
	if exec == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "bulk", "NewHelper", "retry executor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Helper{
		db:       db,
		exec:     exec,
		profiler: prof,
		memo:     memo,
		logger:   logger,
	}, nil
}

// timed runs fn with retry, recording duration, result size, and outcome
// into the profiler. The query string is only rendered when a profiler is
// attached.
func (h *Helper) timed(ctx context.Context, collection, operation string, query any, fn func(context.Context) (int, error)) error {
	start := time.Now()
	var size int
	err := h.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		size, err = fn(ctx)
		return err
	})
	if h.profiler != nil {
		h.profiler.Record(profiler.QueryStat{
			Operation:  operation,
			Collection: collection,
			Query:      fmt.Sprintf("%v", query),
			Duration:   time.Since(start),
			ResultSize: size,
			Err:        err != nil,
		})
	}
	return err
}

// Find runs a timed, retried query against the named collection.
func (h *Helper) Find(ctx context.Context, collection string, filter storage.Filter, opts *storage.FindOptions) ([]storage.Document, error) {
	filter = OptimizeQuery(filter)
	var docs []storage.Document
	err := h.timed(ctx, collection, "find", filter, func(ctx context.Context) (int, error) {
		var err error
		docs, err = h.db.Collection(collection).Find(ctx, filter, opts)
		return len(docs), err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// UpdateManyAccounts applies one update to every account matching filter in
// a single round trip.
func (h *Helper) UpdateManyAccounts(ctx context.Context, filter storage.Filter, update storage.Update) (int64, error) {
	filter = OptimizeQuery(filter)
	var modified int64
	err := h.timed(ctx, AccountsCollection, "update_many", filter, func(ctx context.Context) (int, error) {
		var err error
		modified, err = h.db.Collection(AccountsCollection).UpdateMany(ctx, filter, update)
		return int(modified), err
	})
	if err != nil {
		return 0, err
	}
	return modified, nil
}

// BulkWrite executes the models against the named collection with retry.
func (h *Helper) BulkWrite(ctx context.Context, collection string, models []storage.WriteModel, ordered bool) (storage.BulkResult, error) {
	var result storage.BulkResult
	err := h.timed(ctx, collection, "bulk_write", len(models), func(ctx context.Context) (int, error) {
		var err error
		result, err = h.db.Collection(collection).BulkWrite(ctx, models, ordered)
		return int(result.InsertedCount + result.ModifiedCount), err
	})
	return result, err
}

// InterestResult summarizes one daily interest run.
type InterestResult struct {
	AccountsCredited int64   `json:"accounts_credited"`
	TotalInterest    float64 `json:"total_interest"`
}

// ProcessDailyInterest credits interest to every account with balance at or
// above minBalance. Each credited account gets a balance update paired with
// an inserted interest transaction, all submitted as one unordered bulk
// write.
func (h *Helper) ProcessDailyInterest(ctx context.Context, rate, minBalance float64) (InterestResult, error) {
	var result InterestResult
	if rate <= 0 {
		return result, errors.WrapInvalid(errors.ErrInvalidData, "bulk", "ProcessDailyInterest",
			"interest rate must be positive")
	}

	accounts, err := h.Find(ctx, AccountsCollection,
		storage.Filter{"balance": map[string]any{"$gte": minBalance}}, nil)
	if err != nil {
		return result, err
	}
	if len(accounts) == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	models := make([]storage.WriteModel, 0, len(accounts)*2)
	for _, account := range accounts {
		userID, _ := account["user_id"].(string)
		balance, ok := asFloat(account["balance"])
		if !ok || userID == "" {
			h.logger.Warn("skipping malformed account in interest run",
				"account_id", account["_id"])
			continue
		}
		interest := roundCents(balance * rate)
		if interest <= 0 {
			continue
		}
		models = append(models,
			storage.UpdateOneModel{
				Filter: storage.Filter{"user_id": userID},
				Update: storage.Update{"$set": map[string]any{"balance": balance + interest}},
			},
			storage.InsertOneModel{
				Document: storage.Document{
					"user_id":   userID,
					"type":      "interest",
					"amount":    interest,
					"timestamp": now,
				},
			},
		)
		result.AccountsCredited++
		result.TotalInterest += interest
	}
	if len(models) == 0 {
		return result, nil
	}

	if _, err := h.writeInterest(ctx, models); err != nil {
		return InterestResult{}, err
	}

	h.logger.Info("daily interest processed",
		"accounts", result.AccountsCredited,
		"total_interest", result.TotalInterest,
		"rate", rate)
	return result, nil
}

// writeInterest splits the mixed model batch by target collection and
// submits both unordered bulk writes.
func (h *Helper) writeInterest(ctx context.Context, models []storage.WriteModel) (storage.BulkResult, error) {
	var updates, inserts []storage.WriteModel
	for _, model := range models {
		if _, ok := model.(storage.InsertOneModel); ok {
			inserts = append(inserts, model)
			continue
		}
		updates = append(updates, model)
	}

	combined, err := h.BulkWrite(ctx, AccountsCollection, updates, false)
	if err != nil {
		return combined, err
	}
	txns, err := h.BulkWrite(ctx, TransactionsCollection, inserts, false)
	combined.InsertedCount += txns.InsertedCount
	combined.ModifiedCount += txns.ModifiedCount
	return combined, err
}

// Leaderboard returns the top accounts by balance, via the memoizer when one
// is configured.
func (h *Helper) Leaderboard(ctx context.Context, limit int, ttl time.Duration) ([]storage.Document, error) {
	if limit <= 0 {
		limit = 10
	}
	opts := &storage.FindOptions{
		Projection: []string{"user_id", "balance"},
		Sort:       []storage.SortField{{Field: "balance", Desc: true}},
		Limit:      limit,
	}
	fetch := func(ctx context.Context) ([]storage.Document, error) {
		return h.Find(ctx, AccountsCollection, storage.Filter{}, opts)
	}
	if h.memo == nil {
		return fetch(ctx)
	}
	return h.memo.Do(ctx, cache.Key("leaderboard", limit), ttl, fetch)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// roundCents rounds to two decimal places, half away from zero.
func roundCents(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

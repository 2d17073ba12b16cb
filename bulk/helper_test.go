package bulk

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/pkg/cache"
	"github.com/D9292S/New-Quantum-Bank/pkg/retry"
	"github.com/D9292S/New-Quantum-Bank/profiler"
	"github.com/D9292S/New-Quantum-Bank/storage"
	"github.com/D9292S/New-Quantum-Bank/storage/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func quickExecutor(t *testing.T) *retry.Executor {
	t.Helper()
	exec, err := retry.NewExecutor(retry.Quick())
	require.NoError(t, err)
	return exec
}

func newTestHelper(t *testing.T, db *memstore.DB) (*Helper, *profiler.Profiler) {
	t.Helper()
	prof, err := profiler.New(100, testLogger())
	require.NoError(t, err)
	h, err := NewHelper(db, quickExecutor(t), prof, nil, testLogger())
	require.NoError(t, err)
	return h, prof
}

func seedAccounts(t *testing.T, db *memstore.DB, balances map[string]float64) {
	t.Helper()
	coll := db.Collection(AccountsCollection).(*memstore.Collection)
	for userID, balance := range balances {
		coll.Insert(storage.Document{"user_id": userID, "balance": balance})
	}
}

func TestUpdateManyAccounts(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 100, "u2": 200, "u3": 50})
	h, _ := newTestHelper(t, db)

	modified, err := h.UpdateManyAccounts(t.Context(),
		storage.Filter{"balance": map[string]any{"$gte": 100.0}},
		storage.Update{"$inc": map[string]any{"balance": 5.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), modified)
}

func TestUpdateManyAccountsRetriesTransient(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 100})
	h, _ := newTestHelper(t, db)

	var failures atomic.Int32
	failures.Store(2)
	db.SetHook(func(op, collection string) error {
		if failures.Add(-1) >= 0 {
			return errors.WrapTransient(errors.ErrConnectionLost, "memstore", op, "injected")
		}
		return nil
	})

	modified, err := h.UpdateManyAccounts(t.Context(),
		storage.Filter{"user_id": "u1"},
		storage.Update{"$set": map[string]any{"balance": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), modified)
}

func TestProcessDailyInterest(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 1000, "u2": 500, "u3": 20})
	h, _ := newTestHelper(t, db)

	result, err := h.ProcessDailyInterest(t.Context(), 0.01, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.AccountsCredited)
	assert.InDelta(t, 15.0, result.TotalInterest, 0.001)

	docs, err := h.Find(t.Context(), AccountsCollection, storage.Filter{"user_id": "u1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1010.0, docs[0]["balance"])

	// below min balance: untouched
	docs, err = h.Find(t.Context(), AccountsCollection, storage.Filter{"user_id": "u3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20.0, docs[0]["balance"])

	txns, err := h.Find(t.Context(), TransactionsCollection, storage.Filter{"type": "interest"}, nil)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		assert.NotEmpty(t, txn["user_id"])
		amount, ok := txn["amount"].(float64)
		require.True(t, ok)
		assert.Greater(t, amount, 0.0)
	}
}

func TestProcessDailyInterestValidation(t *testing.T) {
	db := memstore.New()
	h, _ := newTestHelper(t, db)

	_, err := h.ProcessDailyInterest(t.Context(), 0, 100)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestProcessDailyInterestEmptySet(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 10})
	h, _ := newTestHelper(t, db)

	result, err := h.ProcessDailyInterest(t.Context(), 0.01, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.AccountsCredited)
	assert.Equal(t, 0, db.Collection(TransactionsCollection).(*memstore.Collection).Count())
}

func TestFindRecordsProfile(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 100, "u2": 200})
	h, prof := newTestHelper(t, db)

	docs, err := h.Find(t.Context(), AccountsCollection,
		storage.Filter{"balance": map[string]any{"$gte": 50.0}}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	stats := prof.Stats()
	assert.Equal(t, int64(1), stats.TotalQueries)
	assert.Contains(t, stats.ByCollection, AccountsCollection)
	assert.Contains(t, stats.ByOperation, "find")

	recorded := prof.SlowQueries(time.Nanosecond)
	require.Len(t, recorded, 1)
	assert.Equal(t, 2, recorded[0].ResultSize)
}

func TestFindAppliesOptimizer(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 100, "u2": 200, "u3": 50})
	h, _ := newTestHelper(t, db)

	docs, err := h.Find(t.Context(), AccountsCollection, storage.Filter{"$or": []any{
		map[string]any{"user_id": "u1"},
		map[string]any{"user_id": "u3"},
	}}, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestLeaderboard(t *testing.T) {
	db := memstore.New()
	seedAccounts(t, db, map[string]float64{"u1": 100, "u2": 900, "u3": 500})
	prof, err := profiler.New(100, testLogger())
	require.NoError(t, err)

	qc, err := cache.New[[]storage.Document](16, time.Minute, time.Minute)
	require.NoError(t, err)
	defer qc.Close()

	h, err := NewHelper(db, quickExecutor(t), prof, cache.NewMemoizer(qc), testLogger())
	require.NoError(t, err)

	top, err := h.Leaderboard(t.Context(), 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u2", top[0]["user_id"])
	assert.Equal(t, "u3", top[1]["user_id"])
	assert.NotContains(t, top[0], "_id")

	// second read is served from cache, not storage
	before := prof.Stats().TotalQueries
	_, err = h.Leaderboard(t.Context(), 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, before, prof.Stats().TotalQueries)
}

func TestNewHelperValidation(t *testing.T) {
	_, err := NewHelper(nil, quickExecutor(t), nil, nil, testLogger())
	require.Error(t, err)

	_, err = NewHelper(memstore.New(), nil, nil, nil, testLogger())
	require.Error(t, err)
}

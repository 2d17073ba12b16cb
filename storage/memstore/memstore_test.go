package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/storage"
)

func seedAccounts(t *testing.T) *Collection {
	t.Helper()
	db := New()
	coll := db.Collection("accounts").(*Collection)
	coll.Insert(
		storage.Document{"user_id": "u1", "balance": 100.0, "tier": "basic"},
		storage.Document{"user_id": "u2", "balance": 250.0, "tier": "premium"},
		storage.Document{"user_id": "u3", "balance": 50.0, "tier": "basic"},
		storage.Document{"user_id": "u4", "balance": 900.0, "tier": "premium"},
	)
	return coll
}

func TestFindEquality(t *testing.T) {
	coll := seedAccounts(t)

	docs, err := coll.Find(t.Context(), storage.Filter{"user_id": "u2"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 250.0, docs[0]["balance"])
}

func TestFindOperators(t *testing.T) {
	coll := seedAccounts(t)

	tests := []struct {
		name   string
		filter storage.Filter
		want   int
	}{
		{"gt", storage.Filter{"balance": map[string]any{"$gt": 100.0}}, 2},
		{"gte", storage.Filter{"balance": map[string]any{"$gte": 100.0}}, 3},
		{"lt", storage.Filter{"balance": map[string]any{"$lt": 100}, "tier": "basic"}, 1},
		{"in", storage.Filter{"user_id": map[string]any{"$in": []any{"u1", "u3", "missing"}}}, 2},
		{"nin", storage.Filter{"user_id": map[string]any{"$nin": []any{"u1", "u3"}}}, 2},
		{"ne", storage.Filter{"tier": map[string]any{"$ne": "basic"}}, 2},
		{"range", storage.Filter{"balance": map[string]any{"$gte": 100, "$lte": 300}}, 2},
		{"exists", storage.Filter{"tier": map[string]any{"$exists": true}}, 4},
		{"or", storage.Filter{"$or": []any{
			storage.Filter{"user_id": "u1"},
			storage.Filter{"balance": map[string]any{"$gt": 500.0}},
		}}, 2},
		{"and", storage.Filter{"$and": []any{
			storage.Filter{"tier": "premium"},
			storage.Filter{"balance": map[string]any{"$lt": 500}},
		}}, 1},
		{"nor", storage.Filter{"$nor": []any{
			storage.Filter{"tier": "premium"},
			storage.Filter{"user_id": "u1"},
		}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := coll.Find(t.Context(), tt.filter, nil)
			require.NoError(t, err)
			assert.Len(t, docs, tt.want)
		})
	}
}

func TestFindNumericCrossType(t *testing.T) {
	coll := seedAccounts(t)

	// int filter against float64 stored value
	docs, err := coll.Find(t.Context(), storage.Filter{"balance": 100}, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestFindSortLimitProjection(t *testing.T) {
	coll := seedAccounts(t)

	docs, err := coll.Find(t.Context(), storage.Filter{}, &storage.FindOptions{
		Sort:       []storage.SortField{{Field: "balance", Desc: true}},
		Limit:      2,
		Projection: []string{"user_id", "balance"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u4", docs[0]["user_id"])
	assert.Equal(t, "u2", docs[1]["user_id"])
	assert.NotContains(t, docs[0], "tier")
}

func TestFindReturnsCopies(t *testing.T) {
	coll := seedAccounts(t)

	docs, err := coll.Find(t.Context(), storage.Filter{"user_id": "u1"}, nil)
	require.NoError(t, err)
	docs[0]["balance"] = -1.0

	docs, err = coll.Find(t.Context(), storage.Filter{"user_id": "u1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, docs[0]["balance"])
}

func TestUpdateMany(t *testing.T) {
	coll := seedAccounts(t)

	modified, err := coll.UpdateMany(t.Context(),
		storage.Filter{"tier": "basic"},
		storage.Update{"$inc": map[string]any{"balance": 10.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), modified)

	docs, err := coll.Find(t.Context(), storage.Filter{"user_id": "u3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 60.0, docs[0]["balance"])
}

func TestUpdateManyNoChangeNotCounted(t *testing.T) {
	coll := seedAccounts(t)

	modified, err := coll.UpdateMany(t.Context(),
		storage.Filter{"user_id": "u1"},
		storage.Update{"$set": map[string]any{"tier": "basic"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), modified)
}

func TestBulkWrite(t *testing.T) {
	coll := seedAccounts(t)

	result, err := coll.BulkWrite(t.Context(), []storage.WriteModel{
		storage.UpdateOneModel{
			Filter: storage.Filter{"user_id": "u1"},
			Update: storage.Update{"$set": map[string]any{"balance": 111.0}},
		},
		storage.InsertOneModel{
			Document: storage.Document{"user_id": "u5", "balance": 5.0, "tier": "basic"},
		},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ModifiedCount)
	assert.Equal(t, int64(1), result.InsertedCount)
	assert.Equal(t, 5, coll.Count())
}

func TestBulkWriteUnorderedContinuesPastFailure(t *testing.T) {
	coll := seedAccounts(t)

	models := []storage.WriteModel{
		storage.UpdateOneModel{
			Filter: storage.Filter{"user_id": "u1"},
			Update: storage.Update{"$bogus": map[string]any{"x": 1}},
		},
		storage.InsertOneModel{
			Document: storage.Document{"user_id": "u6", "balance": 1.0},
		},
	}

	result, err := coll.BulkWrite(t.Context(), models, false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int64(1), result.InsertedCount)

	result, err = coll.BulkWrite(t.Context(), models, true)
	require.Error(t, err)
	assert.Equal(t, int64(0), result.InsertedCount)
}

func TestHookInjectsFailures(t *testing.T) {
	db := New()
	coll := db.Collection("accounts")

	db.SetHook(func(op, collection string) error {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "memstore", op, "injected")
	})
	_, err := coll.Find(t.Context(), storage.Filter{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	db.SetHook(nil)
	_, err = coll.Find(t.Context(), storage.Filter{}, nil)
	require.NoError(t, err)
}

func TestInvalidFilterRejected(t *testing.T) {
	coll := seedAccounts(t)

	_, err := coll.Find(t.Context(), storage.Filter{
		"balance": map[string]any{"$regex": "x"},
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

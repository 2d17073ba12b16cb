// Package memstore is an in-memory implementation of the storage interfaces.
// It backs tests and the operational harness, and doubles as the reference
// evaluator for query-rewrite equivalence checks: Matches implements the
// documented filter semantics directly, with no rewriting.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/storage"
)

// DB is an in-memory document database.
type DB struct {
	mu          sync.RWMutex
	collections map[string]*Collection

	// Hook, when set, runs before every operation and can inject failures.
	// Tests use it to simulate transient driver errors.
	hook atomic.Pointer[func(op, collection string) error]
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{collections: make(map[string]*Collection)}
}

// SetHook installs a fault-injection hook run before every operation.
// Passing nil removes it.
func (db *DB) SetHook(hook func(op, collection string) error) {
	if hook == nil {
		db.hook.Store(nil)
		return
	}
	db.hook.Store(&hook)
}

func (db *DB) runHook(op, collection string) error {
	if h := db.hook.Load(); h != nil {
		return (*h)(op, collection)
	}
	return nil
}

// Collection returns the named collection, creating it on first use.
func (db *DB) Collection(name string) storage.Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	coll, ok := db.collections[name]
	if !ok {
		coll = &Collection{name: name, db: db}
		db.collections[name] = coll
	}
	return coll
}

// Collection is an in-memory document collection.
type Collection struct {
	name   string
	db     *DB
	mu     sync.RWMutex
	docs   []storage.Document
	nextID int64
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Insert adds documents directly, assigning _id where missing. It exists for
// test seeding; production writes go through BulkWrite.
func (c *Collection) Insert(docs ...storage.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		c.insertLocked(doc)
	}
}

func (c *Collection) insertLocked(doc storage.Document) {
	stored := cloneDocument(doc)
	if _, ok := stored["_id"]; !ok {
		c.nextID++
		stored["_id"] = fmt.Sprintf("%s-%d", c.name, c.nextID)
	}
	c.docs = append(c.docs, stored)
}

// Count returns the number of stored documents.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Find returns copies of the documents matching filter.
func (c *Collection) Find(ctx context.Context, filter storage.Filter, opts *storage.FindOptions) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.db.runHook("find", c.name); err != nil {
		return nil, err
	}

	c.mu.RLock()
	var matched []storage.Document
	for _, doc := range c.docs {
		ok, err := Matches(doc, filter)
		if err != nil {
			c.mu.RUnlock()
			return nil, err
		}
		if ok {
			matched = append(matched, cloneDocument(doc))
		}
	}
	c.mu.RUnlock()

	if opts != nil {
		applySort(matched, opts.Sort)
		if opts.Limit > 0 && len(matched) > opts.Limit {
			matched = matched[:opts.Limit]
		}
		if len(opts.Projection) > 0 {
			for i, doc := range matched {
				matched[i] = project(doc, opts.Projection)
			}
		}
	}
	return matched, nil
}

// UpdateMany applies update to every matching document.
func (c *Collection) UpdateMany(ctx context.Context, filter storage.Filter, update storage.Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.db.runHook("update_many", c.name); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var modified int64
	for i, doc := range c.docs {
		ok, err := Matches(doc, filter)
		if err != nil {
			return modified, err
		}
		if !ok {
			continue
		}
		changed, err := applyUpdate(c.docs[i], update)
		if err != nil {
			return modified, err
		}
		if changed {
			modified++
		}
	}
	return modified, nil
}

// BulkWrite executes the models in one request.
func (c *Collection) BulkWrite(ctx context.Context, models []storage.WriteModel, ordered bool) (storage.BulkResult, error) {
	var result storage.BulkResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := c.db.runHook("bulk_write", c.name); err != nil {
		return result, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, model := range models {
		var err error
		switch m := model.(type) {
		case storage.InsertOneModel:
			c.insertLocked(m.Document)
			result.InsertedCount++
		case storage.UpdateOneModel:
			err = c.updateOneLocked(m, &result)
		default:
			err = errors.WrapInvalid(errors.ErrInvalidData, "memstore", "BulkWrite",
				fmt.Sprintf("unsupported write model %T", model))
		}
		if err != nil {
			if ordered {
				return result, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return result, firstErr
}

func (c *Collection) updateOneLocked(m storage.UpdateOneModel, result *storage.BulkResult) error {
	for i, doc := range c.docs {
		ok, err := Matches(doc, m.Filter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		changed, err := applyUpdate(c.docs[i], m.Update)
		if err != nil {
			return err
		}
		if changed {
			result.ModifiedCount++
		}
		return nil
	}
	return nil
}

// cloneDocument makes a shallow-nested copy sufficient for map-and-scalar
// documents.
func cloneDocument(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneDocument(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func project(doc storage.Document, fields []string) storage.Document {
	out := make(storage.Document, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

func applySort(docs []storage.Document, fields []storage.SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range fields {
			cmp, ok := compareValues(docs[i][field.Field], docs[j][field.Field])
			if !ok || cmp == 0 {
				continue
			}
			if field.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

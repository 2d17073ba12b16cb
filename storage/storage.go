// Package storage defines the pluggable document-store driver interface the
// performance layer is built against.
//
// The interfaces mirror the primitives the bot's business layer consumes from
// an asynchronous document database: filtered finds, multi-document updates,
// and bulk writes that encode many operations in one round trip. Each backend
// implements Database and Collection with its own connection handling;
// memstore provides the in-memory implementation used in tests and the
// operational harness.
//
// Thread safety: all implementations must be safe for concurrent use.
package storage

import "context"

// Document is one stored document, keyed by field name. Documents use the
// query operator conventions of the document store ($or, $in, $gt, ...).
type Document = map[string]any

// Filter selects documents. An empty filter matches everything.
type Filter = map[string]any

// Update describes a modification, e.g. {"$set": {...}} or {"$inc": {...}}.
type Update = map[string]any

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions narrows a Find beyond its filter.
type FindOptions struct {
	// Projection limits returned fields. Empty returns whole documents.
	Projection []string

	// Sort orders results; later fields break ties.
	Sort []SortField

	// Limit caps the number of returned documents. Zero means no limit.
	Limit int
}

// WriteModel is one operation inside a bulk write.
type WriteModel interface {
	isWriteModel()
}

// UpdateOneModel updates the first document matching Filter.
type UpdateOneModel struct {
	Filter Filter
	Update Update
}

func (UpdateOneModel) isWriteModel() {}

// InsertOneModel inserts one document.
type InsertOneModel struct {
	Document Document
}

func (InsertOneModel) isWriteModel() {}

// BulkResult summarizes one bulk write.
type BulkResult struct {
	InsertedCount int64
	ModifiedCount int64
}

// Collection exposes the document-store primitives the performance layer
// consumes.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Find returns the documents matching filter. opts may be nil.
	Find(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, error)

	// UpdateMany applies update to every document matching filter and
	// returns the modified count.
	UpdateMany(ctx context.Context, filter Filter, update Update) (int64, error)

	// BulkWrite executes the models in one request. When ordered is true the
	// backend stops at the first failure; unordered backends attempt every
	// model.
	BulkWrite(ctx context.Context, models []WriteModel, ordered bool) (BulkResult, error)
}

// Database provides named collections.
type Database interface {
	Collection(name string) Collection
}

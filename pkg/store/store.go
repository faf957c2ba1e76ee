// Package store provides the persistence boundary of the pipeline: a
// document store addressed by collection path and document id, with
// merge-upsert semantics and a server-assigned update timestamp.
//
// Persistence is best-effort by design. Ingestion never blocks on the store;
// write failures are logged by the caller and the in-memory cache remains the
// source of truth for the data path.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the document store contract.
type Store interface {
	// Upsert writes fields under collection/docID. With merge set, existing
	// fields not present in the new map are preserved; otherwise the document
	// is replaced. The backend assigns the update timestamp.
	Upsert(ctx context.Context, collection, docID string, fields map[string]interface{}, merge bool) error

	// Get reads a document's fields. Returns ErrNotFound for missing docs.
	Get(ctx context.Context, collection, docID string) (map[string]interface{}, error)

	// Close releases backend resources.
	Close() error
}

package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and processes running
// without a configured database.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]map[string]interface{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]interface{})}
}

func key(collection, docID string) string {
	return collection + "/" + docID
}

func (m *Memory) Upsert(ctx context.Context, collection, docID string, fields map[string]interface{}, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(collection, docID)
	doc := m.docs[k]
	if doc == nil || !merge {
		doc = make(map[string]interface{}, len(fields)+1)
	}
	for field, value := range fields {
		doc[field] = value
	}
	doc["updated_at"] = time.Now().UTC()
	m.docs[k] = doc
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, docID string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[key(collection, docID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]interface{}, len(doc))
	for field, value := range doc {
		out[field] = value
	}
	return out, nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Memory) Close() error { return nil }

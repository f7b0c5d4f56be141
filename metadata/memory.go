package metadata

import (
	"context"
	"sync"
)

type rowKey struct {
	tenant string
	id     string
}

// Memory is an in-memory Store for tests and dev mode. Safe for concurrent
// use.
type Memory struct {
	mu        sync.RWMutex
	documents map[rowKey]Document
	answers   map[rowKey]Answer
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[rowKey]Document),
		answers:   make(map[rowKey]Answer),
	}
}

// UpsertDocument inserts or replaces the document row.
func (m *Memory) UpsertDocument(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[rowKey{doc.TenantID, doc.ID}] = doc
	return nil
}

// GetDocument loads one document.
func (m *Memory) GetDocument(_ context.Context, tenantID, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[rowKey{tenantID, documentID}]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// SetDocumentState updates the state of an existing row.
func (m *Memory) SetDocumentState(_ context.Context, tenantID, documentID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rowKey{tenantID, documentID}
	doc, ok := m.documents[k]
	if !ok {
		return ErrNotFound
	}
	doc.State = state
	m.documents[k] = doc
	return nil
}

// SetQualityScore updates the quality score of an existing row.
func (m *Memory) SetQualityScore(_ context.Context, tenantID, documentID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rowKey{tenantID, documentID}
	doc, ok := m.documents[k]
	if !ok {
		return ErrNotFound
	}
	doc.QualityScore = score
	m.documents[k] = doc
	return nil
}

// UpsertAnswer inserts or replaces the answer row.
func (m *Memory) UpsertAnswer(_ context.Context, ans Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ans.Citations = copyCitations(ans.Citations)
	m.answers[rowKey{ans.TenantID, ans.ID}] = ans
	return nil
}

// GetAnswer loads one answer by question ID.
func (m *Memory) GetAnswer(_ context.Context, tenantID, questionID string) (Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ans, ok := m.answers[rowKey{tenantID, questionID}]
	if !ok {
		return Answer{}, ErrNotFound
	}
	ans.Citations = copyCitations(ans.Citations)
	return ans, nil
}

func copyCitations(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

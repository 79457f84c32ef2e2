package semantic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
)

type chunkKey struct {
	doc   string
	index int
}

// MemoryStore is an in-process Store with exact cosine search.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]domain.Document
	order  []string
	chunks []domain.Chunk
	keys   map[chunkKey]bool
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]domain.Document),
		keys: make(map[chunkKey]bool),
		now:  time.Now,
	}
}

// CreateDocument implements DocumentRepo.
func (m *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		return domain.Document{}, fmt.Errorf("semantic: create document: empty id")
	}
	if _, ok := m.docs[doc.ID]; ok {
		return domain.Document{}, fmt.Errorf("semantic: create document %s: already exists", doc.ID)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = m.now().UTC()
	}
	m.docs[doc.ID] = doc
	m.order = append(m.order, doc.ID)
	return doc, nil
}

// GetDocument implements DocumentRepo.
func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("semantic: get document %s: %w", id, domain.ErrDocumentNotFound)
	}
	return doc, nil
}

// ListDocuments implements DocumentRepo.
func (m *MemoryStore) ListDocuments(_ context.Context, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Document, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.docs[m.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDocument implements DocumentRepo. Chunks go with it.
func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("semantic: delete document %s: %w", id, domain.ErrDocumentNotFound)
	}
	delete(m.docs, id)
	for i, d := range m.order {
		if d == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.deleteChunksLocked(id)
	return nil
}

// SetStatus implements DocumentRepo.
func (m *MemoryStore) SetStatus(_ context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("semantic: set status %s: %w", id, domain.ErrDocumentNotFound)
	}
	doc.Status = status
	m.docs[id] = doc
	return nil
}

// InsertChunks implements ChunkIndex. The batch is applied whole or not at all.
func (m *MemoryStore) InsertChunks(_ context.Context, documentID string, chunks []ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		return fmt.Errorf("semantic: insert chunks %s: %w", documentID, domain.ErrDocumentNotFound)
	}
	batch := make(map[chunkKey]bool, len(chunks))
	for _, c := range chunks {
		k := chunkKey{documentID, c.Index}
		if m.keys[k] || batch[k] {
			return fmt.Errorf("semantic: insert chunk %s#%d: %w", documentID, c.Index, ErrDuplicateChunk)
		}
		batch[k] = true
	}
	now := m.now().UTC()
	for _, c := range chunks {
		m.keys[chunkKey{documentID, c.Index}] = true
		m.chunks = append(m.chunks, domain.Chunk{
			ID:         ChunkID(documentID, c.Index),
			DocumentID: documentID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			Embedding:  append([]float32(nil), c.Embedding...),
			CreatedAt:  now,
		})
	}
	return nil
}

// Match implements ChunkIndex. Equal scores keep insertion order.
func (m *MemoryStore) Match(_ context.Context, embedding []float32, k int, documentID string) ([]domain.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Match
	for _, c := range m.chunks {
		if documentID != "" && c.DocumentID != documentID {
			continue
		}
		out = append(out, domain.Match{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Similarity: embed.Cosine(embedding, c.Embedding),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if k = clampK(k); len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// DocumentChunks implements ChunkIndex.
func (m *MemoryStore) DocumentChunks(_ context.Context, documentID string, limit int) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Chunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteChunks implements ChunkIndex.
func (m *MemoryStore) DeleteChunks(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksLocked(documentID)
	return nil
}

func (m *MemoryStore) deleteChunksLocked(documentID string) {
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			delete(m.keys, chunkKey{documentID, c.ChunkIndex})
			continue
		}
		kept = append(kept, c)
	}
	m.chunks = kept
}

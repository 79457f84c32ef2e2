// Package semantic owns document and chunk persistence and similarity
// retrieval over chunk embeddings.
package semantic

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

// ErrDuplicateChunk is returned when a batch reuses a (document, index) pair.
var ErrDuplicateChunk = errors.New("semantic: duplicate chunk index")

// ChunkRecord is one chunk handed to InsertChunks.
type ChunkRecord struct {
	Index     int
	Content   string
	Embedding []float32
}

// DocumentRepo persists document rows.
type DocumentRepo interface {
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	// ListDocuments returns newest first; limit <= 0 means all.
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.Status) error
}

// ChunkIndex persists chunks and answers similarity queries.
type ChunkIndex interface {
	// InsertChunks appends one batch; a failed batch leaves earlier batches in place.
	InsertChunks(ctx context.Context, documentID string, chunks []ChunkRecord) error
	// Match returns at most k chunks by descending cosine similarity. An
	// empty documentID searches every document.
	Match(ctx context.Context, embedding []float32, k int, documentID string) ([]domain.Match, error)
	// DocumentChunks returns a document's chunks by ascending index; limit <= 0 means all.
	DocumentChunks(ctx context.Context, documentID string, limit int) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, documentID string) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	DocumentRepo
	ChunkIndex
}

// ChunkID derives a stable UUID for a chunk from its document and index.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", documentID, index))).String()
}

// clampK bounds a requested match count to 1..domain.MaxTopK.
func clampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > domain.MaxTopK {
		return domain.MaxTopK
	}
	return k
}

// Hybrid keeps documents in one backend and chunks in another.
type Hybrid struct {
	DocumentRepo
	ChunkIndex
}

// DeleteDocument removes the document's chunks, then the document.
func (h Hybrid) DeleteDocument(ctx context.Context, id string) error {
	if _, err := h.DocumentRepo.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := h.ChunkIndex.DeleteChunks(ctx, id); err != nil {
		return err
	}
	return h.DocumentRepo.DeleteDocument(ctx, id)
}

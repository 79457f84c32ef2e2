package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

type documentRow struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	Title     string         `gorm:"not null"`
	Source    string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	Status    string         `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (documentRow) TableName() string { return "documents" }

type chunkRow struct {
	ID         string          `gorm:"type:uuid;primaryKey"`
	DocumentID string          `gorm:"type:uuid;not null"`
	ChunkIndex int             `gorm:"not null"`
	Content    string          `gorm:"type:text;not null"`
	Embedding  pgvector.Vector `gorm:"not null"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (chunkRow) TableName() string { return "document_chunks" }

type matchRow struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	Similarity float64
}

// PGStore is a Store on Postgres with the pgvector extension. Similarity is
// exact cosine (1 - the <=> distance); no ANN index is created.
type PGStore struct {
	db   *gorm.DB
	dims int
}

// OpenPostgres connects to dsn. dims fixes the embedding column width.
func OpenPostgres(dsn string, dims int) (*PGStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: open postgres: %w", err)
	}
	return NewPGStore(db, dims), nil
}

// NewPGStore wraps an existing gorm handle.
func NewPGStore(db *gorm.DB, dims int) *PGStore {
	return &PGStore{db: db, dims: dims}
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the extension, tables and indexes if missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id uuid PRIMARY KEY,
			title text NOT NULL,
			source text NOT NULL DEFAULT 'upload',
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			status text NOT NULL DEFAULT 'extracting',
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS documents_created_at_idx ON documents (created_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id uuid PRIMARY KEY,
			seq bigserial,
			document_id uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index integer NOT NULL,
			content text NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		)`, s.dims),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("semantic: migrate: %w", err)
			}
		}
		return nil
	})
}

func toRow(doc domain.Document) (documentRow, error) {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return documentRow{}, err
	}
	return documentRow{
		ID:        doc.ID,
		Title:     doc.Title,
		Source:    doc.Source,
		Metadata:  datatypes.JSON(meta),
		Status:    string(doc.Status),
		CreatedAt: doc.CreatedAt,
	}, nil
}

func fromRow(r documentRow) (domain.Document, error) {
	doc := domain.Document{
		ID:        r.ID,
		Title:     r.Title,
		Source:    r.Source,
		Status:    domain.Status(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if len(r.Metadata) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(r.Metadata, &doc.Metadata); err != nil {
		return domain.Document{}, fmt.Errorf("semantic: decode metadata of %s: %w", r.ID, err)
	}
	return doc, nil
}

// CreateDocument implements DocumentRepo.
func (s *PGStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	row, err := toRow(doc)
	if err != nil {
		return domain.Document{}, fmt.Errorf("semantic: encode metadata: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Document{}, fmt.Errorf("semantic: create document %s: %w", doc.ID, err)
	}
	return doc, nil
}

// GetDocument implements DocumentRepo.
func (s *PGStore) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || isInvalidUUID(err) {
		return domain.Document{}, fmt.Errorf("semantic: get document %s: %w", id, domain.ErrDocumentNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("semantic: get document %s: %w", id, err)
	}
	return fromRow(row)
}

// ListDocuments implements DocumentRepo.
func (s *PGStore) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	var rows []documentRow
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("semantic: list documents: %w", err)
	}
	out := make([]domain.Document, len(rows))
	for i, r := range rows {
		doc, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out[i] = doc
	}
	return out, nil
}

// DeleteDocument implements DocumentRepo. Chunks cascade.
func (s *PGStore) DeleteDocument(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&documentRow{})
	if res.Error != nil && !isInvalidUUID(res.Error) {
		return fmt.Errorf("semantic: delete document %s: %w", id, res.Error)
	}
	if res.Error != nil || res.RowsAffected == 0 {
		return fmt.Errorf("semantic: delete document %s: %w", id, domain.ErrDocumentNotFound)
	}
	return nil
}

// SetStatus implements DocumentRepo.
func (s *PGStore) SetStatus(ctx context.Context, id string, status domain.Status) error {
	res := s.db.WithContext(ctx).Model(&documentRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("semantic: set status %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("semantic: set status %s: %w", id, domain.ErrDocumentNotFound)
	}
	return nil
}

// InsertChunks implements ChunkIndex as a single multi-row INSERT.
func (s *PGStore) InsertChunks(ctx context.Context, documentID string, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != s.dims {
			return fmt.Errorf("semantic: chunk %s#%d: embedding has %d dims, want %d", documentID, c.Index, len(c.Embedding), s.dims)
		}
		rows[i] = chunkRow{
			ID:         ChunkID(documentID, c.Index),
			DocumentID: documentID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			Embedding:  pgvector.NewVector(c.Embedding),
			CreatedAt:  now,
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "23505") {
			return fmt.Errorf("semantic: insert %d chunks for %s: %w", len(rows), documentID, ErrDuplicateChunk)
		}
		return fmt.Errorf("semantic: insert %d chunks for %s: %w", len(rows), documentID, err)
	}
	return nil
}

// Match implements ChunkIndex. Ties fall back to insertion order.
func (s *PGStore) Match(ctx context.Context, embedding []float32, k int, documentID string) ([]domain.Match, error) {
	vec := pgvector.NewVector(embedding)
	q := s.db.WithContext(ctx).
		Table("document_chunks").
		Select("id, document_id, chunk_index, content, 1 - (embedding <=> ?) AS similarity", vec)
	if documentID != "" {
		q = q.Where("document_id = ?", documentID)
	}
	var rows []matchRow
	err := q.Order("similarity DESC").Order("seq ASC").Limit(clampK(k)).Scan(&rows).Error
	if isInvalidUUID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("semantic: match: %w", err)
	}
	out := make([]domain.Match, len(rows))
	for i, r := range rows {
		out[i] = domain.Match(r)
	}
	return out, nil
}

// DocumentChunks implements ChunkIndex.
func (s *PGStore) DocumentChunks(ctx context.Context, documentID string, limit int) ([]domain.Chunk, error) {
	var rows []chunkRow
	q := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("chunk_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil && !isInvalidUUID(err) {
		return nil, fmt.Errorf("semantic: chunks of %s: %w", documentID, err)
	}
	out := make([]domain.Chunk, len(rows))
	for i, r := range rows {
		out[i] = domain.Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
			Embedding:  r.Embedding.Slice(),
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

// DeleteChunks implements ChunkIndex.
func (s *PGStore) DeleteChunks(ctx context.Context, documentID string) error {
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&chunkRow{}).Error
	if err != nil && !isInvalidUUID(err) {
		return fmt.Errorf("semantic: delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// isInvalidUUID matches Postgres' 22P02 for ids that cannot be a document.
func isInvalidUUID(err error) bool {
	return err != nil && strings.Contains(err.Error(), "22P02")
}

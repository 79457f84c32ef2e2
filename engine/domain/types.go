// Package domain defines core domain types, constants, and validation for the
// filings engine. It acts as the validation gate at API and pipeline entry points.
package domain

import "time"

// Status is the ingestion state recorded on a document.
type Status string

const (
	StatusExtracting      Status = "extracting"
	StatusIndexing        Status = "indexing"
	StatusIndexed         Status = "indexed"
	StatusNoText          Status = "no_text"
	StatusEmbeddingFailed Status = "embedding_failed"
	StatusInsertFailed    Status = "insert_failed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transition follows s.
func (s Status) Terminal() bool {
	switch s {
	case StatusIndexed, StatusNoText, StatusEmbeddingFailed, StatusInsertFailed, StatusFailed:
		return true
	}
	return false
}

// SourceUpload labels documents that arrived through the upload path.
const SourceUpload = "upload"

// DocumentMetadata is stored alongside a document as JSON.
type DocumentMetadata struct {
	Size    int64    `json:"size"`
	Pages   int      `json:"pages"`
	Tickers []string `json:"tickers,omitempty"`
}

// Document is an uploaded filing whose text has been extracted.
type Document struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Source    string           `json:"source"`
	Metadata  DocumentMetadata `json:"metadata"`
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Chunk is one embedded segment of a document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Match is a retrieval hit. Similarity is cosine, higher is better.
type Match struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// PricePoint is one observed close.
type PricePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// ForecastPoint is one projected close.
type ForecastPoint struct {
	Date      string  `json:"date"`
	Predicted float64 `json:"predicted"`
}

package ingest

import (
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

// Upload is one file handed to the pipeline.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Report is the outcome of ingesting one file. Chunks counts the chunks
// stored, which is less than Total when a later batch failed.
type Report struct {
	FileName   string        `json:"file_name"`
	DocumentID string        `json:"document_id,omitempty"`
	Status     domain.Status `json:"status"`
	Chunks     int           `json:"chunks"`
	Total      int           `json:"total_chunks"`
	Pages      int           `json:"pages,omitempty"`
	Tickers    []string      `json:"tickers,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the file ended in a non-error state.
func (r Report) Succeeded() bool {
	return r.Status == domain.StatusIndexed || r.Status == domain.StatusNoText
}

// StatusEvent is published on every status transition.
type StatusEvent struct {
	DocumentID string        `json:"document_id,omitempty"`
	FileName   string        `json:"file_name"`
	Status     domain.Status `json:"status"`
	Chunks     int           `json:"chunks"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// Job asks the worker to ingest a file from local disk.
type Job struct {
	Path     string `json:"path"`
	FileName string `json:"file_name,omitempty"`
}

// extracted is an upload after validation and text extraction.
type extracted struct {
	Upload
	Text    string
	Pages   int
	Tickers []string
	Chunks  []string
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Report  Report `json:"report"`
	Retries int    `json:"retries"`
	// Payload holds the raw message body when it could not be decoded.
	Payload string `json:"payload,omitempty"`
}

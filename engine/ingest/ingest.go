// Package ingest provides the ingestion pipeline that takes uploaded filings
// through validation, extraction, chunking, embedding, and storage.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/extract"
	"github.com/WessleyAI/filings-analyst/engine/semantic"
	"github.com/WessleyAI/filings-analyst/pkg/fn"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

// Embedder embeds a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string, intent embed.Intent) ([][]float32, error)
}

// Publisher receives status transitions.
type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Extractor extract.Extractor
	Embedder  Embedder
	Store     semantic.Store
	Publisher Publisher // optional
	Logger    *slog.Logger
	Metrics   *metrics.Registry

	ChunkSize int // DefaultChunkSize when zero
	Overlap   int // DefaultOverlap when zero
	BatchSize int // embed.BatchSize when zero
	NewID     func() string
}

// Pipeline ingests files one at a time.
type Pipeline struct {
	extractor extract.Extractor
	embedder  Embedder
	store     semantic.Store
	publisher Publisher
	log       *slog.Logger
	reg       *metrics.Registry

	chunkSize int
	overlap   int
	batchSize int
	newID     func() string

	prepare fn.Stage[Upload, extracted]

	chunksStored *metrics.Counter
	duration     *metrics.Histogram
}

// NewPipeline constructs the pipeline with all stages wired.
func NewPipeline(deps Deps) *Pipeline {
	p := &Pipeline{
		extractor: deps.Extractor,
		embedder:  deps.Embedder,
		store:     deps.Store,
		publisher: deps.Publisher,
		log:       deps.Logger,
		reg:       deps.Metrics,
		chunkSize: deps.ChunkSize,
		overlap:   deps.Overlap,
		batchSize: deps.BatchSize,
		newID:     deps.NewID,
	}
	if p.extractor == nil {
		p.extractor = extract.Default{}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.chunkSize == 0 {
		p.chunkSize = DefaultChunkSize
	}
	if p.overlap == 0 {
		p.overlap = DefaultOverlap
	}
	if p.batchSize == 0 {
		p.batchSize = embed.BatchSize
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	p.chunksStored = p.reg.ChunksIndexed()
	p.duration = p.reg.IngestDuration()

	// Validate → Extract → Tag → Chunk, with logging taps between stages.
	validated := fn.Then(LoggedTap[Upload]("validate", p.log), fn.TracedStage("ingest.validate", Validate))
	read := fn.Then(validated, fn.Then(LoggedTap[Upload]("extract", p.log), fn.TracedStage[Upload, extracted]("ingest.extract", p.readText)))
	tagged := fn.Then(read, fn.MapStage(tag))
	p.prepare = fn.Then(tagged, fn.Then(LoggedTap[extracted]("chunk", p.log), fn.MapStage(p.chunk)))
	return p
}

// Validate sniffs the content type of an upload and checks it.
var Validate fn.Stage[Upload, Upload] = func(_ context.Context, up Upload) fn.Result[Upload] {
	up.ContentType = extract.Detect(up.Data)
	if err := domain.ValidateUpload(up.FileName, up.ContentType, int64(len(up.Data))); err != nil {
		return fn.Err[Upload](err)
	}
	return fn.Ok(up)
}

func (p *Pipeline) readText(ctx context.Context, up Upload) fn.Result[extracted] {
	res, err := p.extractor.Extract(ctx, up.Data, up.ContentType)
	if err != nil {
		return fn.Err[extracted](fmt.Errorf("ingest: extract %s: %w", up.FileName, err))
	}
	return fn.Ok(extracted{Upload: up, Text: res.Text, Pages: res.Pages})
}

func tag(doc extracted) extracted {
	if doc.Text != "" {
		doc.Tickers = ExtractTickers(doc.Text, doc.FileName)
	}
	return doc
}

func (p *Pipeline) chunk(doc extracted) extracted {
	doc.Chunks = ChunkText(doc.Text, p.chunkSize, p.overlap)
	return doc
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// IngestFile runs one upload to a terminal status. Earlier batches stay
// stored when a later one fails; the report says how far it got.
func (p *Pipeline) IngestFile(ctx context.Context, up Upload) Report {
	start := time.Now()
	defer p.duration.Since(start)

	rep := Report{FileName: up.FileName, Status: domain.StatusExtracting}
	p.emit(ctx, rep)

	doc, err := p.prepare(ctx, up).Unwrap()
	if err != nil {
		rep.Status, rep.Error = domain.StatusFailed, err.Error()
		return p.finish(ctx, rep)
	}
	rep.Pages, rep.Tickers = doc.Pages, doc.Tickers
	if len(doc.Chunks) == 0 {
		rep.Status = domain.StatusNoText
		return p.finish(ctx, rep)
	}
	rep.Total = len(doc.Chunks)

	created, err := p.store.CreateDocument(ctx, domain.Document{
		ID:     p.newID(),
		Title:  doc.FileName,
		Source: domain.SourceUpload,
		Metadata: domain.DocumentMetadata{
			Size:    int64(len(doc.Data)),
			Pages:   doc.Pages,
			Tickers: doc.Tickers,
		},
		Status: domain.StatusIndexing,
	})
	if err != nil {
		rep.Status, rep.Error = domain.StatusFailed, fmt.Sprintf("ingest: create document: %v", err)
		return p.finish(ctx, rep)
	}
	rep.DocumentID = created.ID
	rep.Status = domain.StatusIndexing
	p.emit(ctx, rep)

	rep.Chunks, rep.Status, err = p.index(ctx, created.ID, doc.Chunks)
	if err != nil {
		rep.Error = err.Error()
	}
	return p.finish(ctx, rep)
}

// IngestFiles ingests uploads in order, each to completion before the next.
func (p *Pipeline) IngestFiles(ctx context.Context, uploads []Upload) []Report {
	out := make([]Report, 0, len(uploads))
	for _, up := range uploads {
		out = append(out, p.IngestFile(ctx, up))
	}
	return out
}

// index embeds and stores chunks batch by batch and returns how many were
// stored along with the resulting status.
func (p *Pipeline) index(ctx context.Context, documentID string, chunks []string) (int, domain.Status, error) {
	stored := 0
	for b, batch := range fn.Chunk(chunks, p.batchSize) {
		base := b * p.batchSize
		vecs, err := p.embedder.Embed(ctx, batch, embed.Passage)
		if err != nil {
			return stored, domain.StatusEmbeddingFailed, fmt.Errorf("ingest: embed chunks %d-%d: %w", base, base+len(batch)-1, err)
		}
		records := make([]semantic.ChunkRecord, len(batch))
		for j, text := range batch {
			records[j] = semantic.ChunkRecord{Index: base + j, Content: text, Embedding: vecs[j]}
		}
		if err := p.store.InsertChunks(ctx, documentID, records); err != nil {
			return stored, domain.StatusInsertFailed, fmt.Errorf("ingest: store chunks %d-%d: %w", base, base+len(batch)-1, err)
		}
		stored += len(batch)
		p.chunksStored.Add(int64(len(batch)))
		p.log.Debug("ingest: batch stored", "document_id", documentID, "batch", b, "stored", stored)
	}
	return stored, domain.StatusIndexed, nil
}

// finish persists and announces a terminal status.
func (p *Pipeline) finish(ctx context.Context, rep Report) Report {
	if rep.DocumentID != "" {
		if err := p.store.SetStatus(ctx, rep.DocumentID, rep.Status); err != nil {
			p.log.Error("ingest: set status failed", "file", rep.FileName, "document_id", rep.DocumentID, "status", rep.Status, "err", err)
			if rep.Error == "" {
				rep.Error = err.Error()
			}
		}
	}
	p.reg.FilesIngested(string(rep.Status)).Inc()
	if rep.Succeeded() {
		p.log.Info("ingest: done", "file", rep.FileName, "document_id", rep.DocumentID, "status", rep.Status, "chunks", rep.Chunks, "tickers", rep.Tickers)
	} else {
		p.log.Error("ingest: failed", "file", rep.FileName, "document_id", rep.DocumentID, "status", rep.Status, "chunks", rep.Chunks, "total", rep.Total, "err", rep.Error)
	}
	p.emit(ctx, rep)
	return rep
}

func (p *Pipeline) emit(ctx context.Context, rep Report) {
	if p.publisher == nil {
		return
	}
	ev := StatusEvent{
		DocumentID: rep.DocumentID,
		FileName:   rep.FileName,
		Status:     rep.Status,
		Chunks:     rep.Chunks,
		Error:      rep.Error,
		At:         time.Now().UTC(),
	}
	if err := p.publisher.PublishStatus(ctx, ev); err != nil {
		p.log.Warn("ingest: status publish failed", "file", rep.FileName, "status", rep.Status, "err", err)
	}
}

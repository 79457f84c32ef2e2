package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/extract"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/engine/rag"
	"github.com/WessleyAI/filings-analyst/engine/strategy"
	"github.com/WessleyAI/filings-analyst/pkg/fn"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

// Upload limits.
const (
	maxUploadBytes  = 64 << 20
	maxMemoryBytes  = 32 << 20
	maxRequestBytes = 4 << 20
)

type documents interface {
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type ingester interface {
	IngestFiles(ctx context.Context, uploads []ingest.Upload) []ingest.Report
}

type embedder interface {
	Embed(ctx context.Context, texts []string, intent embed.Intent) ([][]float32, error)
	Model() string
}

type answerer interface {
	Answer(ctx context.Context, q rag.Question) (*rag.Answer, error)
	Summarize(ctx context.Context, documentID string) (*rag.Answer, error)
}

type advisor interface {
	Advise(ctx context.Context, tickers []string) ([]strategy.Recommendation, error)
}

// server holds the handlers' collaborators.
type server struct {
	docs     documents
	ingest   ingester
	embed    embedder
	rag      answerer
	signals  strategy.Signals
	forecast strategy.Forecaster
	advisor  advisor
	logger   *slog.Logger
}

func (s *server) routes(reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/documents", s.handleUpload)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/documents/{id}/summary", s.handleSummary)
	mux.HandleFunc("POST /api/embed", s.handleEmbed)
	mux.HandleFunc("POST /api/answer", s.handleAnswer)
	mux.HandleFunc("POST /api/sentiment", s.handleSentiment)
	mux.HandleFunc("POST /api/anomalies", s.handleAnomalies)
	mux.HandleFunc("POST /api/forecast", s.handleForecast)
	mux.HandleFunc("POST /api/strategy", s.handleStrategy)
	mux.Handle("GET /metrics", reg.Handler())
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Documents ---

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		s.fail(w, r, domain.NewValidationError("files", "", fmt.Errorf("%w: %v", domain.ErrInvalidBody, err)))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.fail(w, r, domain.NewValidationError("files", "", domain.ErrMissingField))
		return
	}
	uploads := make([]ingest.Upload, 0, len(headers))
	for _, fh := range headers {
		up, err := readUpload(fh)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		uploads = append(uploads, up)
	}

	reports := s.ingest.IngestFiles(r.Context(), uploads)
	writeJSON(w, http.StatusOK, map[string]any{"documents": reports})
}

// readUpload loads one multipart file and rejects it unless it could be ingested.
func readUpload(fh *multipart.FileHeader) (ingest.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return ingest.Upload{}, fmt.Errorf("api: open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return ingest.Upload{}, fmt.Errorf("api: read %s: %w", fh.Filename, err)
	}
	up := ingest.Upload{FileName: fh.Filename, ContentType: extract.Detect(data), Data: data}
	if err := domain.ValidateUpload(up.FileName, up.ContentType, int64(len(data))); err != nil {
		return ingest.Upload{}, err
	}
	return up, nil
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.ListDocuments(r.Context(), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.docs.DeleteDocument(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("document deleted", "document_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.docs.GetDocument(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	ans, err := s.rag.Summarize(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": ans.Text})
}

// --- Embeddings and answers ---

// textList accepts either a single string or an array of strings.
type textList []string

func (t *textList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = textList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

// EmbedRequest is the JSON body for POST /api/embed.
type EmbedRequest struct {
	Texts textList `json:"texts"`
	// Intent is "query", "passage" or "none"; texts are sent raw by default.
	Intent string `json:"intent,omitempty"`
}

// EmbedResponse is the JSON response for POST /api/embed.
type EmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Texts) == 0 {
		s.fail(w, r, domain.NewValidationError("texts", "", domain.ErrNoTexts))
		return
	}
	intent, err := embed.ParseIntent(req.Intent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([][]float32, 0, len(req.Texts))
	for _, batch := range fn.Chunk([]string(req.Texts), embed.BatchSize) {
		vecs, err := s.embed.Embed(r.Context(), batch, intent)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, vecs...)
	}
	writeJSON(w, http.StatusOK, EmbedResponse{Model: s.embed.Model(), Embeddings: out})
}

// AnswerRequest is the JSON body for POST /api/answer.
type AnswerRequest struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
	Context    string `json:"context,omitempty"`
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.TopK < 0 || req.TopK > domain.MaxTopK {
		s.fail(w, r, domain.NewValidationError("top_k", fmt.Sprint(req.TopK), domain.ErrTopKOutOfRange))
		return
	}
	ans, err := s.rag.Answer(r.Context(), rag.Question{
		Text:         req.Question,
		DocumentID:   req.DocumentID,
		TopK:         req.TopK,
		ExtraContext: req.Context,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// --- Corpus analysis ---

// AnalysisRequest is the JSON body for POST /api/sentiment and /api/anomalies.
type AnalysisRequest struct {
	LimitDocs int `json:"limit_docs,omitempty"`
}

func (s *server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.signals.Sentiment(r.Context(), req.LimitDocs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.signals.Anomalies(r.Context(), req.LimitDocs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Markets ---

// ForecastRequest is the JSON body for POST /api/forecast.
type ForecastRequest struct {
	Tickers     []string `json:"tickers"`
	HorizonDays int      `json:"horizonDays,omitempty"`
}

func (s *server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req ForecastRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.forecast.ForecastMany(r.Context(), req.Tickers, req.HorizonDays)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickers": out})
}

// StrategyRequest is the JSON body for POST /api/strategy.
type StrategyRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.advisor.Advise(r.Context(), req.Tickers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

// --- Helpers ---

// decodeJSON reads a bounded JSON body into v. An empty body leaves v zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewValidationError("body", "", fmt.Errorf("%w: %v", domain.ErrInvalidBody, err))
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

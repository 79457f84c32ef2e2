package metrics

// Latency bounds in seconds, by the kind of work measured.
var (
	// ModelBuckets fit remote model calls, from a warm embedding to a long
	// generation.
	ModelBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120}
	// RetrievalBuckets fit a top-k vector search.
	RetrievalBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	// IngestBuckets fit extracting, embedding and storing one filing.
	IngestBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
)

// Families shared by the ingest, query and API binaries.
const (
	nameChunksIndexed     = "filings_ingest_chunks_total"
	nameFilesIngested     = "filings_ingest_files_total"
	nameIngestDuration    = "filings_ingest_duration_seconds"
	nameDeadLettered      = "filings_ingest_dlq_total"
	nameEmbedCalls        = "filings_embed_calls_total"
	nameEmbedFailures     = "filings_embed_failures_total"
	nameEmbedDuration     = "filings_embed_duration_seconds"
	nameRetrievalDuration = "filings_retrieval_duration_seconds"
	nameRetrievalMatches  = "filings_retrieval_matches_total"
	nameAnswersTotal      = "filings_answers_total"
	nameAnswerFailures    = "filings_answer_failures_total"
	nameAnswerDuration    = "filings_answer_duration_seconds"
)

// ChunksIndexed counts chunks embedded and written to the vector store.
func (r *Registry) ChunksIndexed() *Counter {
	return r.Counter(nameChunksIndexed, "Chunks embedded and stored")
}

// FilesIngested counts files by the status they finished in.
func (r *Registry) FilesIngested(status string) *Counter {
	return r.Counter(WithLabels(nameFilesIngested, "status", status), "Files ingested by final status")
}

// IngestDuration times one file through the pipeline.
func (r *Registry) IngestDuration() *Histogram {
	return r.Histogram(nameIngestDuration, "Time to ingest one file", IngestBuckets)
}

// DeadLettered counts ingest jobs sent to the dead letter queue.
func (r *Registry) DeadLettered() *Counter {
	return r.Counter(nameDeadLettered, "Jobs sent to the dead letter queue")
}

// EmbedCalls counts embedding batches by intent.
func (r *Registry) EmbedCalls(intent string) *Counter {
	return r.Counter(WithLabels(nameEmbedCalls, "intent", intent), "Embedding calls")
}

// EmbedFailures counts embedding batches that exhausted their retries.
func (r *Registry) EmbedFailures() *Counter {
	return r.Counter(nameEmbedFailures, "Embedding calls that exhausted retries")
}

// EmbedDuration times embedding batches, retries included.
func (r *Registry) EmbedDuration() *Histogram {
	return r.Histogram(nameEmbedDuration, "Embedding call time including retries", ModelBuckets)
}

// RetrievalDuration times the vector search behind an answer.
func (r *Registry) RetrievalDuration() *Histogram {
	return r.Histogram(nameRetrievalDuration, "Top-k chunk retrieval latency", RetrievalBuckets)
}

// RetrievalMatches counts chunks returned to answers.
func (r *Registry) RetrievalMatches() *Counter {
	return r.Counter(nameRetrievalMatches, "Chunks retrieved as answer context")
}

// AnswersTotal counts answered questions.
func (r *Registry) AnswersTotal() *Counter {
	return r.Counter(nameAnswersTotal, "Questions answered")
}

// AnswerFailures counts questions that failed.
func (r *Registry) AnswerFailures() *Counter {
	return r.Counter(nameAnswerFailures, "Questions that failed")
}

// AnswerDuration times a question end to end.
func (r *Registry) AnswerDuration() *Histogram {
	return r.Histogram(nameAnswerDuration, "End-to-end answer latency", ModelBuckets)
}

// Command analyst is a command-line client for the filings analyst API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/filings-analyst/engine/analysis"
	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/forecast"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/engine/rag"
	"github.com/WessleyAI/filings-analyst/engine/strategy"
	"github.com/WessleyAI/filings-analyst/pkg/config"
	"github.com/WessleyAI/filings-analyst/pkg/natsutil"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries the global flags and the collaborators the commands share.
type app struct {
	apiURL  string
	natsURL string
	timeout time.Duration
	asJSON  bool
	verbose bool

	log    *slog.Logger
	client *client
	// submit queues jobs on the ingest worker and waits for their reports.
	submit func(ctx context.Context, jobs []ingest.Job) ([]ingest.Report, error)
}

func newApp() *app {
	a := &app{apiURL: "http://localhost:8080", natsURL: nats.DefaultURL}
	if cfg, err := config.Load(); err == nil {
		a.apiURL = "http://localhost:" + cfg.Port
		a.natsURL = cfg.NATSURL
	}
	if v := os.Getenv("ANALYST_API_URL"); v != "" {
		a.apiURL = v
	}
	a.submit = a.submitNATS
	return a
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "analyst",
		Short:         "Query and feed the filings analyst service",
		Long:          `A command-line client for uploading SEC filings and running answers, sentiment, anomaly, forecast and strategy requests against the filings analyst API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			a.client = newClient(a.apiURL, a.timeout, a.log)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.apiURL, "api", a.apiURL, "API base URL (env ANALYST_API_URL)")
	pf.StringVar(&a.natsURL, "nats-url", a.natsURL, "NATS server for --nats ingestion")
	pf.DurationVar(&a.timeout, "timeout", 10*time.Minute, "request timeout")
	pf.BoolVar(&a.asJSON, "json", false, "print raw JSON")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(
		a.ingestCmd(),
		a.watchCmd(),
		a.documentsCmd(),
		a.askCmd(),
		a.embedCmd(),
		a.sentimentCmd(),
		a.anomaliesCmd(),
		a.forecastCmd(),
		a.strategyCmd(),
	)
	return root
}

// --- ingest ---

func (a *app) ingestCmd() *cobra.Command {
	var viaNATS bool
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload filings for indexing",
		Long: `Uploads PDF or text filings to the API in one request; the server
indexes them in order. With --nats the files are queued on the ingest worker instead; the worker
must be able to read the same paths.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reports []ingest.Report
			if viaNATS {
				jobs := make([]ingest.Job, 0, len(args))
				for _, p := range args {
					abs, err := filepath.Abs(p)
					if err != nil {
						return err
					}
					jobs = append(jobs, ingest.Job{Path: abs, FileName: filepath.Base(p)})
				}
				var err error
				if reports, err = a.submit(cmd.Context(), jobs); err != nil {
					return err
				}
			} else {
				var resp struct {
					Documents []ingest.Report `json:"documents"`
				}
				if err := a.client.upload(cmd.Context(), args, &resp); err != nil {
					return err
				}
				reports = resp.Documents
			}
			return a.print(cmd.OutOrStdout(), reports, func(w io.Writer) {
				tw := table(w, "FILE", "STATUS", "CHUNKS", "TICKERS", "DOCUMENT", "ERROR")
				for _, r := range reports {
					fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", r.FileName, r.Status, r.Chunks, r.Total, strings.Join(r.Tickers, ","), r.DocumentID, r.Error)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&viaNATS, "nats", false, "queue files on the ingest worker over NATS")
	return cmd
}

func (a *app) submitNATS(ctx context.Context, jobs []ingest.Job) ([]ingest.Report, error) {
	nc, err := nats.Connect(a.natsURL, nats.Name("filings-analyst-cli"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", a.natsURL, err)
	}
	defer nc.Close()

	out := make([]ingest.Report, 0, len(jobs))
	for _, job := range jobs {
		jctx, cancel := context.WithTimeout(ctx, a.timeout)
		rep, err := natsutil.Request[ingest.Job, ingest.Report](jctx, nc, ingest.IngestSubject, job)
		cancel()
		if err != nil {
			return out, fmt.Errorf("nats: ingest %s: %w", job.FileName, err)
		}
		a.log.Debug("job done", "file", job.FileName, "status", rep.Status)
		out = append(out, rep)
	}
	return out, nil
}

func (a *app) watchCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow ingest status events",
		Long:  `Prints each status transition published by the API and the ingest worker until interrupted, or until --count events have arrived.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			nc, err := nats.Connect(a.natsURL, nats.Name("filings-analyst-watch"))
			if err != nil {
				return fmt.Errorf("nats: connect %s: %w", a.natsURL, err)
			}
			defer nc.Close()

			events := make(chan ingest.StatusEvent, 64)
			sub, err := natsutil.Subscribe(nc, ingest.StatusSubject, func(_ context.Context, ev ingest.StatusEvent) {
				select {
				case events <- ev:
				default:
					a.log.Warn("watch: dropped event", "file", ev.FileName, "status", ev.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("nats: subscribe: %w", err)
			}
			defer sub.Unsubscribe()
			return a.follow(ctx, cmd.OutOrStdout(), events, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 means run until interrupted)")
	return cmd
}

// follow prints events until ctx ends or limit events were printed.
func (a *app) follow(ctx context.Context, w io.Writer, events <-chan ingest.StatusEvent, limit int) error {
	for seen := 0; limit <= 0 || seen < limit; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if a.asJSON {
				if err := json.NewEncoder(w).Encode(ev); err != nil {
					return err
				}
				continue
			}
			line := fmt.Sprintf("%s  %-16s %s", ev.At.Local().Format(time.TimeOnly), ev.Status, ev.FileName)
			if ev.DocumentID != "" {
				line += fmt.Sprintf(" (%s, %d chunks)", ev.DocumentID, ev.Chunks)
			}
			if ev.Error != "" {
				line += ": " + ev.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// --- documents ---

func (a *app) documentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List, summarise and delete stored filings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Documents []domain.Document `json:"documents"`
			}
			if err := a.client.get(cmd.Context(), "/api/documents", &resp); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if len(resp.Documents) == 0 {
					fmt.Fprintln(w, "No documents found.")
					return
				}
				tw := table(w, "ID", "TITLE", "STATUS", "PAGES", "TICKERS", "CREATED")
				for _, d := range resp.Documents {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Title, d.Status, d.Metadata.Pages, strings.Join(d.Metadata.Tickers, ","), d.CreatedAt.Format(time.DateTime))
				}
				tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "summary ID",
		Short: "Summarise one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Summary string `json:"summary"`
			}
			if err := a.client.postJSON(cmd.Context(), "/api/documents/"+args[0]+"/summary", struct{}{}, &resp); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) { fmt.Fprintln(w, resp.Summary) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a document and its chunks",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.delete(cmd.Context(), "/api/documents/"+args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted", args[0])
			return nil
		},
	})
	return cmd
}

// --- answers ---

func (a *app) askCmd() *cobra.Command {
	var req struct {
		Question   string `json:"question"`
		DocumentID string `json:"document_id,omitempty"`
		TopK       int    `json:"top_k,omitempty"`
		Context    string `json:"context,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the stored filings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Question = strings.Join(args, " ")
			var ans rag.Answer
			if err := a.client.postJSON(cmd.Context(), "/api/answer", req, &ans); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), ans, func(w io.Writer) {
				fmt.Fprintln(w, ans.Text)
				if len(ans.Citations) == 0 {
					return
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "Citations:")
				for i, c := range ans.Citations {
					fmt.Fprintf(w, "  [%d] %s#%d (%.3f) %s\n", i+1, c.DocumentID, c.ChunkIndex, c.Similarity, snippet(c.Content, 80))
				}
			})
		},
	}
	cmd.Flags().StringVarP(&req.DocumentID, "doc", "d", "", "restrict retrieval to one document")
	cmd.Flags().IntVarP(&req.TopK, "top-k", "k", 0, fmt.Sprintf("chunks to retrieve (default %d, max %d)", domain.DefaultTopK, domain.MaxTopK))
	cmd.Flags().StringVar(&req.Context, "context", "", "extra context appended to the prompt")
	return cmd
}

func (a *app) embedCmd() *cobra.Command {
	var intent string
	cmd := &cobra.Command{
		Use:   "embed TEXT...",
		Short: "Embed texts with the service's model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Model      string      `json:"model"`
				Embeddings [][]float32 `json:"embeddings"`
			}
			body := map[string]any{"texts": args}
			if intent != "" {
				body["intent"] = intent
			}
			if err := a.client.postJSON(cmd.Context(), "/api/embed", body, &resp); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for i, v := range resp.Embeddings {
					label := fmt.Sprintf("#%d", i)
					if i < len(args) {
						label = snippet(args[i], 40)
					}
					fmt.Fprintf(w, "%s\t%d dims\t%v\n", label, len(v), head(v, 4))
				}
				fmt.Fprintln(w, "model:", resp.Model)
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "prefix texts as query or passage (default none)")
	return cmd
}

// --- corpus analysis ---

func (a *app) sentimentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sentiment",
		Short: "Score company sentiment across recent filings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rep analysis.SentimentReport
			if err := a.client.postJSON(cmd.Context(), "/api/sentiment", map[string]int{"limit_docs": limit}, &rep); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				if rep.Info != "" {
					fmt.Fprintln(w, rep.Info)
					return
				}
				tw := table(w, "COMPANY", "SCORE", "COUNT", "DOCUMENTS")
				for _, c := range rep.Companies {
					fmt.Fprintf(tw, "%s\t%+.3f\t%d\t%s\n", c.Name, c.Score, c.Count, strings.Join(c.Documents, ", "))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit-docs", 0, fmt.Sprintf("newest documents to analyse (default %d)", analysis.DefaultLimitDocs))
	return cmd
}

func (a *app) anomaliesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Flag unusual financial metric movements in recent filings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rep analysis.AnomalyReport
			if err := a.client.postJSON(cmd.Context(), "/api/anomalies", map[string]int{"limit_docs": limit}, &rep); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				if rep.Info != "" {
					fmt.Fprintln(w, rep.Info)
					return
				}
				tw := table(w, "SEVERITY", "COMPANY", "METRIC", "PERIOD", "CHANGE", "DOCUMENT")
				for _, an := range rep.Anomalies {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", an.Severity, an.Company, an.Metric, an.Period, an.Change, an.Document)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit-docs", 0, fmt.Sprintf("newest documents to analyse (default %d)", analysis.DefaultLimitDocs))
	return cmd
}

// --- markets ---

func (a *app) forecastCmd() *cobra.Command {
	var horizon int
	cmd := &cobra.Command{
		Use:   "forecast [TICKER...]",
		Short: "Project closing prices with a linear trend",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tickers []forecast.TickerForecast `json:"tickers"`
			}
			body := map[string]any{"tickers": args, "horizonDays": horizon}
			if err := a.client.postJSON(cmd.Context(), "/api/forecast", body, &resp); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				tw := table(w, "SYMBOL", "LAST", "TREND", "EXPECTED", "VOLATILITY", "TARGET")
				for _, f := range resp.Tickers {
					target := "-"
					if n := len(f.Forecast); n > 0 {
						target = fmt.Sprintf("%.2f on %s", f.Forecast[n-1].Predicted, f.Forecast[n-1].Date)
					}
					fmt.Fprintf(tw, "%s\t%.2f\t%s\t%+.2f%%\t%.2f%%\t%s\n", f.Symbol, f.Metrics.LastClose, f.Metrics.Trend, f.Metrics.ExpectedChangePct, f.Metrics.Volatility, target)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&horizon, "horizon", domain.DefaultHorizon, fmt.Sprintf("business days to project (max %d)", domain.MaxHorizon))
	return cmd
}

func (a *app) strategyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategy [TICKER...]",
		Short: "Recommend Buy, Sell or Hold per ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Strategies []strategy.Recommendation `json:"strategies"`
			}
			if err := a.client.postJSON(cmd.Context(), "/api/strategy", map[string]any{"tickers": args}, &resp); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for _, r := range resp.Strategies {
					fmt.Fprintf(w, "%s  %s  (confidence %.0f%%)\n", r.Symbol, r.Decision, r.Confidence)
					for _, reason := range r.Reasons {
						fmt.Fprintf(w, "  - %s\n", reason)
					}
				}
			})
		},
	}
}

// --- output ---

// print writes v as indented JSON under --json, otherwise calls text.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if !a.asJSON {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, columns ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	return tw
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func head(v []float32, n int) []float32 {
	if len(v) > n {
		return v[:n]
	}
	return v
}

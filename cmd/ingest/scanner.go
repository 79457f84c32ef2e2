package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

// Extensions the scanner picks up.
var filingExts = map[string]bool{".pdf": true, ".txt": true}

type submitFunc func(ctx context.Context, job ingest.Job) (ingest.Report, error)

// scanner queues new files from a directory one at a time and remembers
// which ones finished.
type scanner struct {
	dir       string
	stateFile string
	submit    submitFunc
	log       *slog.Logger
	processed map[string]bool

	lastScan   *metrics.Gauge
	queueDepth *metrics.Gauge
	scanErrors *metrics.Counter
}

func newScanner(dir, stateFile string, submit submitFunc, log *slog.Logger, met *metrics.Registry) *scanner {
	return &scanner{
		dir:        dir,
		stateFile:  stateFile,
		submit:     submit,
		log:        log,
		processed:  loadState(stateFile, log),
		lastScan:   met.Gauge("filings_ingest_last_scan_timestamp", "Epoch of last directory scan"),
		queueDepth: met.Gauge("filings_ingest_queue_depth", "Files waiting to be queued"),
		scanErrors: met.Counter("filings_ingest_scan_errors_total", "Directory scans that failed"),
	}
}

func defaultStatePath(dir string) string {
	return filepath.Join(dir, ".ingest-state.json")
}

// stateKey changes when a file is replaced, so a new version is ingested again.
func stateKey(name string, info os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", name, info.Size(), info.ModTime().Unix())
}

// pending lists files not yet processed, in name order.
func (s *scanner) pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !filingExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !s.processed[stateKey(name, info)] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *scanner) scan(ctx context.Context) {
	s.lastScan.Set(time.Now().Unix())
	names, err := s.pending()
	if err != nil {
		s.scanErrors.Inc()
		s.log.Error("readdir failed", "dir", s.dir, "err", err)
		return
	}
	s.queueDepth.Set(int64(len(names)))
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.queue(ctx, name)
		s.queueDepth.Dec()
	}
}

// run scans once, then again on every interval tick and settle after the
// last filing is created or written in the directory.
func (s *scanner) run(ctx context.Context, interval, settle time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", s.dir, err)
	}
	s.loop(ctx, interval, settle, w.Events, w.Errors)
	return nil
}

func (s *scanner) loop(ctx context.Context, interval, settle time.Duration, events <-chan fsnotify.Event, errs <-chan error) {
	s.scan(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var due <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		case <-due:
			due = nil
			s.scan(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if isFilingEvent(ev) {
				s.log.Debug("filing changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
				due = time.After(settle)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.scanErrors.Inc()
			s.log.Warn("watcher error", "dir", s.dir, "err", err)
		}
	}
}

func isFilingEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Base(ev.Name)
	return !strings.HasPrefix(name, ".") && filingExts[strings.ToLower(filepath.Ext(name))]
}

func (s *scanner) queue(ctx context.Context, name string) {
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		s.log.Warn("file vanished before queueing", "file", name, "err", err)
		return
	}
	rep, err := s.submit(ctx, ingest.Job{Path: path, FileName: name})
	if err != nil {
		s.log.Warn("job not acknowledged, will retry on next scan", "file", name, "err", err)
		return
	}
	// Failed files are remembered too; they went to the DLQ and rescanning
	// would only create duplicate documents.
	s.processed[stateKey(name, info)] = true
	if err := saveState(s.stateFile, s.processed); err != nil {
		s.log.Error("save state failed", "path", s.stateFile, "err", err)
	}
	s.log.Info("file done", "file", name, "status", rep.Status, "document_id", rep.DocumentID, "chunks", rep.Chunks)
}

func loadState(path string, log *slog.Logger) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("read state failed, starting fresh", "path", path, "err", err)
		}
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn("corrupt state file, starting fresh", "path", path, "err", err)
		return make(map[string]bool)
	}
	return m
}

func saveState(path string, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Package session is the entry point for callers: it owns the loaded record
// set, the active filter and view, and runs ingestion and export in the
// background with results delivered as event streams.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mbox-curate/export"
	"github.com/dhcgn/mbox-curate/filter"
	"github.com/dhcgn/mbox-curate/ingest"
	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/runner"
	"github.com/dhcgn/mbox-curate/stats"
	"github.com/dhcgn/mbox-curate/view"
)

var (
	ErrBusy      = errors.New("an ingestion or export is in progress")
	ErrNoArchive = errors.New("no archive loaded")
)

type Options struct {
	Ingest      ingest.Options
	Export      export.Options
	PageSize    int
	EventBuffer int
}

// Stats summarizes the session for display.
type Stats struct {
	Loaded   int
	Filtered int
	Pages    int
	Page     int
	Filter   string
}

type ingestFunc func(ctx context.Context, path string, sampling ingest.Sampling, emit func(stats.Event)) ingest.Result

// archiveWriter is satisfied by *export.Coordinator.
type archiveWriter interface {
	ExportNew(ctx context.Context, archive *mbox.Archive, records []model.Record, dest string, emit func(stats.Event)) export.Result
	Rewrite(ctx context.Context, archive *mbox.Archive, records []model.Record, backupPath string, emit func(stats.Event)) export.Result
}

type Session struct {
	opts     Options
	logger   *slog.Logger
	ingest   ingestFunc
	exporter archiveWriter

	// startMu serializes operation starts so a restart can wait for the run
	// it replaces without holding mu.
	startMu sync.Mutex

	mu         sync.Mutex
	records    []model.Record
	archive    *mbox.Archive
	spec       filter.Spec
	view       *view.View
	generation uint64
	ingesting  bool
	exporting  bool
	ingestRun  *runner.Runner
	exportRun  *runner.Runner
}

func New(opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	s := &Session{
		opts:     opts,
		logger:   logger,
		exporter: export.NewCoordinator(opts.Export, logger),
	}
	s.ingest = ingest.NewPipeline(opts.Ingest, logger).Run
	s.view = view.New(nil, 0, opts.PageSize)
	return s
}

// BeginIngestion loads path in the background, cancelling and waiting for any
// ingestion still running. The previous record set is discarded.
func (s *Session) BeginIngestion(path string, sampling ingest.Sampling) (<-chan stats.Event, error) {
	if err := sampling.Validate(); err != nil {
		return nil, err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.exporting {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	prev := s.ingestRun
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		prev.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Warn("close previous archive", "path", s.archive.Path(), "err", err)
		}
		s.archive = nil
	}
	s.installLocked(nil)
	s.ingesting = true

	r := runner.New(context.Background(), s.opts.EventBuffer, s.logger)
	s.ingestRun = r
	r.Go("ingest", func(ctx context.Context, emit func(stats.Event)) stats.Event {
		var (
			res     ingest.Result
			preview []model.Record
		)
		// Runs on panic too, so the session never stays busy. Without a
		// result the preview is the best record set available.
		defer func() {
			records := res.Records
			if res.Kind == "" {
				records = preview
			}
			s.mu.Lock()
			s.archive = res.Archive
			s.installLocked(records)
			s.ingesting = false
			s.mu.Unlock()
		}()

		res = s.ingest(ctx, path, sampling, func(evt stats.Event) {
			if evt.Kind == stats.KindPreview {
				preview = append([]model.Record(nil), evt.Records...)
				s.mu.Lock()
				s.installLocked(preview)
				s.mu.Unlock()
			}
			emit(evt)
		})
		return res.Event()
	})
	return r.Events(), nil
}

// CancelIngestion stops the running ingestion, if any. Records loaded so far
// stay available.
func (s *Session) CancelIngestion() {
	s.mu.Lock()
	r := s.ingestRun
	s.mu.Unlock()
	if r != nil {
		r.Cancel()
	}
}

// ApplyFilter replaces the active filter and returns the new filtered set.
func (s *Session) ApplyFilter(spec filter.Spec) ([]model.Record, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return nil, 0, ErrBusy
	}

	started := time.Now()
	s.spec = spec
	s.installLocked(s.records)
	elapsed := time.Since(started)

	s.logger.Debug("filter applied", "filter", filter.New(spec).String(),
		"matched", s.view.Len(), "of", len(s.records), "duration", elapsed)
	return s.view.Records(), elapsed, nil
}

func (s *Session) ClearFilter() error {
	_, _, err := s.ApplyFilter(filter.Spec{})
	return err
}

// View returns the current filtered view. It is replaced, not modified, by
// later filtering or removal.
func (s *Session) View() *view.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) NewSelection() *view.Selection {
	return s.View().NewSelection()
}

// RemoveRecords drops the selected records of the current view from the live
// set and returns how many were removed.
func (s *Session) RemoveRecords(sel *view.Selection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return 0, ErrBusy
	}

	selected, err := s.view.Resolve(sel)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(selected))
	for i, rec := range selected {
		ids[i] = rec.Identity
	}
	return s.removeLocked(ids), nil
}

// RemoveIdentities drops records by identity.
func (s *Session) RemoveIdentities(ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return 0, ErrBusy
	}
	return s.removeLocked(ids), nil
}

func (s *Session) removeLocked(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := make([]model.Record, 0, len(s.records))
	for _, rec := range s.records {
		if _, ok := drop[rec.Identity]; !ok {
			kept = append(kept, rec)
		}
	}
	removed := len(s.records) - len(kept)
	s.installLocked(kept)
	s.logger.Info("records removed", "removed", removed, "remaining", len(kept))
	return removed
}

// ExportNew writes the current filtered view to path.
func (s *Session) ExportNew(path string) (<-chan stats.Event, error) {
	return s.startExport("export", func(ctx context.Context, archive *mbox.Archive, emit func(stats.Event)) stats.Event {
		s.mu.Lock()
		records := s.view.Records()
		s.mu.Unlock()

		defer s.exportDone()

		res := s.exporter.ExportNew(ctx, archive, records, path, emit)
		return res.Event()
	})
}

// RewriteInPlace replaces the archive with the live record set, optionally
// keeping a verbatim backup of the original first. On success the records are
// rebased onto the rewritten file.
func (s *Session) RewriteInPlace(backupPath string) (<-chan stats.Event, error) {
	return s.startExport("rewrite", func(ctx context.Context, archive *mbox.Archive, emit func(stats.Event)) stats.Event {
		s.mu.Lock()
		records := s.records
		s.mu.Unlock()

		defer s.exportDone()

		res := s.exporter.Rewrite(ctx, archive, records, backupPath, emit)
		if res.Kind == stats.KindCompleted {
			rebased := make([]model.Record, len(records))
			for i, rec := range records {
				rec.Payload = res.Spans[i]
				rebased[i] = rec
			}
			s.mu.Lock()
			s.installLocked(rebased)
			s.mu.Unlock()
		}
		return res.Event()
	})
}

func (s *Session) startExport(name string, fn func(context.Context, *mbox.Archive, func(stats.Event)) stats.Event) (<-chan stats.Event, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return nil, ErrBusy
	}
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	archive := s.archive
	s.exporting = true

	r := runner.New(context.Background(), s.opts.EventBuffer, s.logger)
	s.exportRun = r
	r.Go(name, func(ctx context.Context, emit func(stats.Event)) stats.Event {
		return fn(ctx, archive, emit)
	})
	return r.Events(), nil
}

func (s *Session) exportDone() {
	s.mu.Lock()
	s.exporting = false
	s.mu.Unlock()
}

// CancelExport stops the running export or rewrite, if any.
func (s *Session) CancelExport() {
	s.mu.Lock()
	r := s.exportRun
	s.mu.Unlock()
	if r != nil {
		r.Cancel()
	}
}

// Records returns the live record set. Callers must not modify it.
func (s *Session) Records() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Loaded:   len(s.records),
		Filtered: s.view.Len(),
		Pages:    s.view.Pages(),
		Page:     s.view.CurrentPage(),
		Filter:   filter.New(s.spec).String(),
	}
}

// Busy reports whether an ingestion or export is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

// Wait blocks until the running operations have finished.
func (s *Session) Wait() {
	s.mu.Lock()
	runs := []*runner.Runner{s.ingestRun, s.exportRun}
	s.mu.Unlock()
	for _, r := range runs {
		if r != nil {
			r.Wait()
		}
	}
}

// Close cancels running operations and releases the archive.
func (s *Session) Close() error {
	s.CancelIngestion()
	s.CancelExport()
	s.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archive == nil {
		return nil
	}
	err := s.archive.Close()
	s.archive = nil
	if err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func (s *Session) busyLocked() bool {
	return s.ingesting || s.exporting
}

// installLocked makes records the live set and rebuilds the view with a new
// generation, which invalidates every outstanding selection.
func (s *Session) installLocked(records []model.Record) {
	s.records = records
	s.generation++
	filtered := filter.New(s.spec).Apply(records)
	s.view = view.New(filtered, s.generation, s.opts.PageSize)
}

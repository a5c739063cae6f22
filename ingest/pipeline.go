// Package ingest loads an mbox archive into memory as extracted, deduplicated
// records while reporting progress on an event stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhcgn/mbox-curate/extract"
	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/state"
	"github.com/dhcgn/mbox-curate/stats"
)

const bytesPerMB = 1 << 20

type Options struct {
	// LargeFileBytes is the size above which the exact count pass is skipped.
	LargeFileBytes int64
	// RecordsPerMB estimates the record count of large files.
	RecordsPerMB int
	// PreviewThreshold is the record count at which a preview is published.
	PreviewThreshold int
	BatchSize        int
	ProgressInterval time.Duration
	LogInterval      time.Duration

	AutoProbabilisticTotal int
	AutoProbabilisticRate  int
}

func DefaultOptions() Options {
	return Options{
		LargeFileBytes:         1000 * bytesPerMB,
		RecordsPerMB:           10,
		PreviewThreshold:       100,
		BatchSize:              1000,
		ProgressInterval:       500 * time.Millisecond,
		LogInterval:            5 * time.Second,
		AutoProbabilisticTotal: 1_000_000,
		AutoProbabilisticRate:  100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LargeFileBytes <= 0 {
		o.LargeFileBytes = d.LargeFileBytes
	}
	if o.RecordsPerMB <= 0 {
		o.RecordsPerMB = d.RecordsPerMB
	}
	if o.PreviewThreshold <= 0 {
		o.PreviewThreshold = d.PreviewThreshold
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.LogInterval <= 0 {
		o.LogInterval = d.LogInterval
	}
	if o.AutoProbabilisticTotal <= 0 {
		o.AutoProbabilisticTotal = d.AutoProbabilisticTotal
	}
	if o.AutoProbabilisticRate <= 0 {
		o.AutoProbabilisticRate = d.AutoProbabilisticRate
	}
	return o
}

// Result is the outcome of one Run.
type Result struct {
	Kind     stats.Kind
	Records  []model.Record
	Summary  stats.Summary
	Total    int
	Exact    bool
	Strategy Strategy
	Seed     uint64
	Elapsed  time.Duration
	Err      error
	// Archive is the opened input. It is nil only when opening failed; the
	// caller owns it afterwards.
	Archive *mbox.Archive
}

// Event converts r into the terminal event of an ingestion stream.
func (r Result) Event() stats.Event {
	return stats.Event{
		Stage:   stats.StageIngest,
		Kind:    r.Kind,
		Total:   r.Total,
		Exact:   r.Exact,
		Count:   len(r.Records),
		Elapsed: r.Elapsed,
		Records: r.Records,
		Summary: r.Summary,
		Err:     r.Err,
	}
}

// recordExtractor turns one raw message into a Record.
type recordExtractor interface {
	Extract(msg mbox.Message) (model.Record, error)
}

type Pipeline struct {
	opts      Options
	extractor recordExtractor
	logger    *slog.Logger
}

func NewPipeline(opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		opts:      opts.withDefaults(),
		extractor: extract.New(logger),
		logger:    logger,
	}
}

// Run loads the archive at path. emit receives the non-terminal events; the
// returned Result describes the terminal one. Run checks ctx before every
// record.
func (p *Pipeline) Run(ctx context.Context, path string, sampling Sampling, emit func(stats.Event)) Result {
	started := time.Now()
	if emit == nil {
		emit = func(stats.Event) {}
	}

	res := Result{Strategy: Sequential}
	finish := func(kind stats.Kind, err error) Result {
		res.Kind = kind
		res.Err = err
		res.Elapsed = time.Since(started)
		res.Summary.Loaded = len(res.Records)
		if err != nil {
			res.Summary.LastError = err
		}
		return res
	}

	if err := sampling.Validate(); err != nil {
		return finish(stats.KindFailed, err)
	}

	archive, err := mbox.OpenArchive(path)
	if err != nil {
		return finish(stats.KindFailed, err)
	}
	res.Archive = archive

	size, err := archive.Size()
	if err != nil {
		return finish(stats.KindFailed, err)
	}

	total, exact, err := p.estimate(ctx, archive, size)
	if err != nil {
		return finish(stats.KindCancelled, nil)
	}
	res.Total, res.Exact = total, exact
	emit(stats.Event{Stage: stats.StageIngest, Kind: stats.KindEstimated, Total: total, Exact: exact})

	res.Strategy = sampling.resolve(total, p.opts)
	if res.Strategy == Probabilistic {
		res.Seed = sampling.Seed
		if res.Seed == 0 {
			res.Seed = rand.Uint64()
		}
	}
	keep := newSampler(sampling.Rate, res.Strategy, res.Seed)
	p.logger.Info("loading archive",
		"path", path, "bytes", size, "total", total, "exact", exact,
		"rate", sampling.Rate, "strategy", res.Strategy, "seed", res.Seed)
	if sampling.Rate > 1 {
		emit(stats.Event{Stage: stats.StageIngest, Kind: stats.KindStatus,
			Text: fmt.Sprintf("Sampling 1 in %d records (%s)", sampling.Rate, res.Strategy)})
	}

	stream, _, err := archive.Stream()
	if err != nil {
		return finish(stats.KindFailed, err)
	}
	src := mbox.NewProgressSource(stream, size)
	reader := mbox.NewReader(src)
	tracker := state.NewMemoryTracker()

	byOffset := size > p.opts.LargeFileBytes
	percent := func() int {
		if byOffset || total == 0 {
			return src.Percent()
		}
		return min(100, res.Summary.Scanned*100/total)
	}

	progress := rate.Sometimes{Interval: p.opts.ProgressInterval}
	logLine := rate.Sometimes{Interval: p.opts.LogInterval}
	batch := make([]model.Record, 0, p.opts.BatchSize)
	flush := func() {
		res.Records = append(res.Records, batch...)
		batch = batch[:0]
	}
	previewed := false

	for {
		if ctx.Err() != nil {
			flush()
			p.logger.Info("loading cancelled", append(res.Summary.LogAttrs(), "loaded", len(res.Records))...)
			return finish(stats.KindCancelled, nil)
		}

		msg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			flush()
			return finish(stats.KindFailed, fmt.Errorf("read %s at byte %d: %w", path, reader.Offset(), err))
		}

		res.Summary.Scanned++
		if !keep.keep() {
			res.Summary.SampledOut++
			continue
		}

		rec, err := p.extract(*msg)
		if err != nil {
			res.Summary.Errors++
			res.Summary.LastError = err
			p.logger.Warn("skipping unreadable record", "offset", msg.Span.Offset, "err", err)
			continue
		}
		if tracker.Seen(rec.Identity) {
			res.Summary.Duplicates++
			continue
		}
		tracker.Record(rec.Identity)

		batch = append(batch, rec)
		if len(batch) >= p.opts.BatchSize {
			flush()
		}

		loaded := len(res.Records) + len(batch)
		if !previewed && loaded >= p.opts.PreviewThreshold {
			flush()
			previewed = true
			emit(stats.Event{
				Stage:   stats.StageIngest,
				Kind:    stats.KindPreview,
				Count:   len(res.Records),
				Records: slices.Clone(res.Records),
			})
		}

		progress.Do(func() {
			pct := percent()
			emit(stats.Event{Stage: stats.StageIngest, Kind: stats.KindProgress, Count: loaded, Total: total, Percent: pct})
			emit(stats.Event{Stage: stats.StageIngest, Kind: stats.KindStatus, Text: statusText(loaded, res.Summary.Scanned, pct, time.Since(started))})
		})
		logLine.Do(func() {
			p.logger.Info("loading",
				"loaded", loaded, "scanned", res.Summary.Scanned, "offset", src.Offset(), "percent", percent(),
				"recordsPerSec", perSecond(res.Summary.Scanned, time.Since(started)))
		})
	}

	flush()
	emit(stats.Event{Stage: stats.StageIngest, Kind: stats.KindProgress, Count: len(res.Records), Total: total, Percent: 100})
	res = finish(stats.KindCompleted, nil)
	p.logger.Info("loading completed", append(res.Summary.LogAttrs(), "duration", res.Elapsed)...)
	return res
}

// extract runs the extractor on one message. A panic while parsing is
// reported as an error for that record only.
func (p *Pipeline) extract(msg mbox.Message) (rec model.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract record at byte %d: panic: %v", msg.Span.Offset, r)
		}
	}()
	return p.extractor.Extract(msg)
}

// estimate returns the number of records to expect. Files above the large
// file threshold are estimated from their size; others are counted.
func (p *Pipeline) estimate(ctx context.Context, archive *mbox.Archive, size int64) (int, bool, error) {
	estimated := int(float64(size) / bytesPerMB * float64(p.opts.RecordsPerMB))
	if size > p.opts.LargeFileBytes {
		return max(estimated, 1), false, nil
	}

	stream, _, err := archive.Stream()
	if err == nil {
		var n int
		n, err = mbox.CountMessages(ctx, stream)
		if err == nil {
			return n, true, nil
		}
	}
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	p.logger.Warn("exact count failed, using estimate", "err", err)
	return max(estimated, 1), false, nil
}

func statusText(loaded, scanned, percent int, elapsed time.Duration) string {
	text := fmt.Sprintf("Loaded %d records (%d scanned, %.0f/s)", loaded, scanned, perSecond(scanned, elapsed))
	if percent > 0 && percent < 100 {
		eta := time.Duration(float64(elapsed) * float64(100-percent) / float64(percent))
		text += fmt.Sprintf(", about %s left", eta.Round(time.Second))
	}
	return text
}

func perSecond(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

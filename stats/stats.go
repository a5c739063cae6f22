package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dhcgn/mbox-curate/model"
)

type Stage string

const (
	StageIngest  Stage = "ingest"
	StageBackup  Stage = "backup"
	StageExport  Stage = "export"
	StageRewrite Stage = "rewrite"
)

type Kind string

const (
	KindEstimated Kind = "estimated"
	KindProgress  Kind = "progress"
	KindStatus    Kind = "status"
	KindPreview   Kind = "preview"
	KindCompleted Kind = "completed"
	KindCancelled Kind = "cancelled"
	KindFailed    Kind = "failed"
)

// Event is one entry of an ingestion or export event stream. Which fields are
// set depends on Kind:
//
//	estimated  Total, Exact
//	progress   Count, Total, Percent
//	status     Text
//	preview    Count, Records (a snapshot the receiver owns)
//	completed  Count, Elapsed, Summary, Records (ingest), Path (export)
//	cancelled  Count, Elapsed, Summary, Records (ingest)
//	failed     Count, Elapsed, Summary, Err, Records (ingest), Path (export temp file)
//
// Records of a terminal event may be shared with the session that produced
// them and must be treated as read-only.
type Event struct {
	Stage   Stage
	Kind    Kind
	Total   int
	Exact   bool
	Count   int
	Percent int
	Text    string
	Elapsed time.Duration
	Records []model.Record
	Summary Summary
	Err     error
	Path    string
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindCancelled, KindFailed:
		return true
	}
	return false
}

type Summary struct {
	Scanned    int
	SampledOut int
	Loaded     int
	Duplicates int
	Errors     int
	Written    int
	Bytes      int64
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"sampledOut", s.SampledOut,
		"loaded", s.Loaded,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
	}
	if s.Written > 0 || s.Bytes > 0 {
		attrs = append(attrs, "written", s.Written, "bytes", s.Bytes)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Reporter logs an event stream for runs without an interactive display.
type Reporter struct {
	logger *slog.Logger
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// Consume drains events until the terminal event and returns it. It returns
// ctx.Err() if the context ends first.
func (r *Reporter) Consume(ctx context.Context, events <-chan Event) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return Event{}, fmt.Errorf("event stream closed without a terminal event")
			}
			r.log(evt)
			if evt.Terminal() {
				return evt, nil
			}
		}
	}
}

func (r *Reporter) log(evt Event) {
	if r.logger == nil {
		return
	}
	switch evt.Kind {
	case KindEstimated:
		r.logger.Info("records to process", "stage", evt.Stage, "total", evt.Total, "exact", evt.Exact)
	case KindStatus:
		r.logger.Debug(evt.Text, "stage", evt.Stage)
	case KindPreview:
		r.logger.Info("preview available", "stage", evt.Stage, "records", evt.Count)
	case KindCompleted:
		attrs := append(evt.Summary.LogAttrs(), "stage", evt.Stage, "count", evt.Count, "duration", evt.Elapsed)
		if evt.Path != "" {
			attrs = append(attrs, "path", evt.Path)
		}
		r.logger.Info("stage completed", attrs...)
	case KindCancelled:
		attrs := append(evt.Summary.LogAttrs(), "stage", evt.Stage, "count", evt.Count, "duration", evt.Elapsed)
		r.logger.Warn("stage cancelled", attrs...)
	case KindFailed:
		attrs := append(evt.Summary.LogAttrs(), "stage", evt.Stage, "count", evt.Count, "err", evt.Err)
		if evt.Path != "" {
			attrs = append(attrs, "tempPath", evt.Path)
		}
		r.logger.Error("stage failed", attrs...)
	}
}

// Entry is one row of a frequency table.
type Entry struct {
	Key   string
	Value int
}

// TopN returns the limit most frequent keys of m, most frequent first. Ties
// are ordered by key so the output is stable.
func TopN(m map[string]int, limit int) []Entry {
	pairs := make([]Entry, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Entry{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range TopN(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

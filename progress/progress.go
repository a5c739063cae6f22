package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-curate/stats"
	"github.com/dhcgn/mbox-curate/textutil"
)

const maxTitleRunes = 60

var stageTitles = map[stats.Stage]string{
	stats.StageIngest:  "Loading records",
	stats.StageBackup:  "Creating backup",
	stats.StageExport:  "Exporting records",
	stats.StageRewrite: "Rewriting archive",
}

// Bar renders an ingestion or export event stream in the terminal. It is only
// enabled at log level "info"; otherwise the stream is logged instead.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	stage   stats.Stage
	enabled bool
	logger  *slog.Logger
}

// New creates a progress bar if logLevel is "info".
func New(logLevel string, logger *slog.Logger) *Bar {
	return &Bar{enabled: logLevel == "info", logger: logger}
}

// Consume drains events until the terminal event and returns it.
func (b *Bar) Consume(ctx context.Context, events <-chan stats.Event) (stats.Event, error) {
	if !b.enabled {
		return stats.NewReporter(b.logger).Consume(ctx, events)
	}
	defer b.stop()

	for {
		select {
		case <-ctx.Done():
			return stats.Event{}, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return stats.Event{}, fmt.Errorf("event stream closed without a terminal event")
			}
			b.Update(evt)
			if evt.Terminal() {
				return evt, nil
			}
		}
	}
}

// Update applies one event to the display.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Stage != b.stage || b.pb == nil {
		b.restartLocked(evt.Stage)
	}

	switch evt.Kind {
	case stats.KindEstimated:
		qualifier := "about "
		if evt.Exact {
			qualifier = ""
		}
		pterm.Info.Printf("%s: %s%d records\n", stageTitles[evt.Stage], qualifier, evt.Total)
	case stats.KindProgress:
		if delta := evt.Percent - b.pb.Current; delta > 0 {
			b.pb.Add(delta)
		}
	case stats.KindStatus:
		b.pb.UpdateTitle(textutil.TruncateRunes(evt.Text, maxTitleRunes))
	case stats.KindPreview:
		pterm.Info.Printf("Preview ready with %d records, loading continues\n", evt.Count)
	case stats.KindCompleted:
		if b.pb.Current < b.pb.Total {
			b.pb.Add(b.pb.Total - b.pb.Current)
		}
		b.stopLocked()
		pterm.Success.Printf("%s: %d records in %s\n", stageTitles[evt.Stage], evt.Count, evt.Elapsed.Round(time.Millisecond))
	case stats.KindCancelled:
		b.stopLocked()
		pterm.Warning.Printf("%s cancelled after %d records\n", stageTitles[evt.Stage], evt.Count)
	case stats.KindFailed:
		b.stopLocked()
		pterm.Error.Printf("%s failed: %v\n", stageTitles[evt.Stage], evt.Err)
		if evt.Path != "" {
			pterm.Error.Printf("Incomplete output kept at %s\n", evt.Path)
		}
	}
}

func (b *Bar) restartLocked(stage stats.Stage) {
	b.stopLocked()
	title, ok := stageTitles[stage]
	if !ok {
		title = "Processing"
	}
	pb, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle(title).
		WithShowCount(false).
		Start()
	b.pb = pb
	b.stage = stage
}

func (b *Bar) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bar) stopLocked() {
	if b.pb == nil {
		return
	}
	_, _ = b.pb.Stop()
}

// PrintSummary prints the counters of a finished ingestion.
func PrintSummary(evt stats.Event) {
	s := evt.Summary
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", evt.Elapsed.Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", s.Scanned)
	pterm.Info.Printf("Sampled out: %d\n", s.SampledOut)
	pterm.Info.Printf("Loaded: %d\n", s.Loaded)
	pterm.Info.Printf("Duplicates (skipped): %d\n", s.Duplicates)
	pterm.Info.Printf("Errors: %d\n", s.Errors)
	if s.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", s.LastError)
	}
}

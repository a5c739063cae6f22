package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/stats"
)

func message(id, subject, body string) string {
	var b strings.Builder
	b.WriteString("From sender@example.com Mon Jan  1 00:00:00 2024\n")
	if id != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", id)
	}
	b.WriteString("From: Sender <sender@example.com>\n")
	b.WriteString("To: rcpt@example.com\n")
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	b.WriteString("Date: Mon, 1 Jan 2024 00:00:00 +0000\n")
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n\n")
	return b.String()
}

func numbered(n int) []string {
	msgs := make([]string, n)
	for i := range msgs {
		msgs[i] = message(fmt.Sprintf("id-%d@test", i+1), fmt.Sprintf("Subject %d", i+1), fmt.Sprintf("Body %d", i+1))
	}
	return msgs
}

func writeMbox(t *testing.T, msgs []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.mbox")
	if err := os.WriteFile(path, []byte(strings.Join(msgs, "")), 0o644); err != nil {
		t.Fatalf("write mbox: %v", err)
	}
	return path
}

func run(t *testing.T, opts Options, path string, sampling Sampling) (Result, []stats.Event) {
	t.Helper()
	var events []stats.Event
	res := NewPipeline(opts, nil).Run(context.Background(), path, sampling, func(evt stats.Event) {
		events = append(events, evt)
	})
	if res.Archive != nil {
		t.Cleanup(func() { _ = res.Archive.Close() })
	}
	return res, events
}

func identities(records []model.Record) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.Identity
	}
	return ids
}

func TestRun_LoadsAllRecords(t *testing.T) {
	path := writeMbox(t, numbered(5))

	res, events := run(t, Options{}, path, Sampling{Rate: 1})
	if res.Kind != stats.KindCompleted || res.Err != nil {
		t.Fatalf("Kind = %s, Err = %v", res.Kind, res.Err)
	}

	want := []string{"id-1@test", "id-2@test", "id-3@test", "id-4@test", "id-5@test"}
	if diff := cmp.Diff(want, identities(res.Records)); diff != "" {
		t.Errorf("identities mismatch (-want +got):\n%s", diff)
	}
	if res.Summary.Scanned != 5 || res.Summary.Loaded != 5 {
		t.Errorf("Summary = %+v", res.Summary)
	}

	if len(events) == 0 || events[0].Kind != stats.KindEstimated {
		t.Fatalf("first event = %+v, want estimated", events)
	}
	if events[0].Total != 5 || !events[0].Exact {
		t.Errorf("estimated event = %+v, want exact total 5", events[0])
	}
	for _, evt := range events {
		if evt.Terminal() {
			t.Errorf("emit received terminal event %+v", evt)
		}
	}

	term := res.Event()
	if term.Kind != stats.KindCompleted || term.Count != 5 || len(term.Records) != 5 {
		t.Errorf("terminal event = %+v", term)
	}
}

func TestRun_Idempotent(t *testing.T) {
	path := writeMbox(t, append(numbered(20), message("", "no id", "anonymous body")))

	first, _ := run(t, Options{}, path, Sampling{Rate: 1})
	second, _ := run(t, Options{}, path, Sampling{Rate: 1})

	if diff := cmp.Diff(identities(first.Records), identities(second.Records)); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
	if len(first.Records) != 21 {
		t.Errorf("loaded %d records, want 21", len(first.Records))
	}
}

func TestRun_DropsDuplicates(t *testing.T) {
	path := writeMbox(t, []string{
		message("dup@test", "first", "first body"),
		message("other@test", "other", "other body"),
		message("dup@test", "second", "second body"),
		message("", "anon", "same body"),
		message("", "anon", "same body"),
	})

	res, _ := run(t, Options{}, path, Sampling{Rate: 1})

	if len(res.Records) != 3 {
		t.Fatalf("loaded %d records, want 3: %v", len(res.Records), identities(res.Records))
	}
	if res.Records[0].Identity != "dup@test" || res.Records[0].Subject != "first" {
		t.Errorf("first occurrence not kept: %+v", res.Records[0])
	}
	if res.Summary.Duplicates != 2 {
		t.Errorf("Duplicates = %d, want 2", res.Summary.Duplicates)
	}
}

func TestRun_SequentialSampling(t *testing.T) {
	path := writeMbox(t, numbered(10))

	res, _ := run(t, Options{}, path, Sampling{Rate: 3, Strategy: Sequential})

	want := []string{"id-3@test", "id-6@test", "id-9@test"}
	if diff := cmp.Diff(want, identities(res.Records)); diff != "" {
		t.Errorf("sampled identities mismatch (-want +got):\n%s", diff)
	}
	if res.Summary.SampledOut != 7 {
		t.Errorf("SampledOut = %d, want 7", res.Summary.SampledOut)
	}
	if res.Strategy != Sequential {
		t.Errorf("Strategy = %s", res.Strategy)
	}
}

func TestRun_ProbabilisticSamplingWithSeed(t *testing.T) {
	path := writeMbox(t, numbered(200))
	sampling := Sampling{Rate: 2, Strategy: Probabilistic, Seed: 42}

	first, _ := run(t, Options{}, path, sampling)
	second, _ := run(t, Options{}, path, sampling)

	if diff := cmp.Diff(identities(first.Records), identities(second.Records)); diff != "" {
		t.Errorf("seeded runs differ (-first +second):\n%s", diff)
	}
	if n := len(first.Records); n < 50 || n > 150 {
		t.Errorf("loaded %d of 200 at rate 2", n)
	}
	if first.Seed != 42 {
		t.Errorf("Seed = %d, want 42", first.Seed)
	}
}

func TestSampling_Resolve(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		name     string
		sampling Sampling
		total    int
		want     Strategy
	}{
		{"auto small file", Sampling{Rate: 500, Strategy: Auto}, 10_000, Sequential},
		{"auto low rate", Sampling{Rate: 50, Strategy: Auto}, 5_000_000, Sequential},
		{"auto huge file high rate", Sampling{Rate: 500, Strategy: Auto}, 5_000_000, Probabilistic},
		{"empty strategy is auto", Sampling{Rate: 500}, 5_000_000, Probabilistic},
		{"explicit sequential", Sampling{Rate: 500, Strategy: Sequential}, 5_000_000, Sequential},
		{"explicit probabilistic", Sampling{Rate: 2, Strategy: Probabilistic}, 10, Probabilistic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sampling.resolve(tt.total, opts); got != tt.want {
				t.Errorf("resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSampling_Validate(t *testing.T) {
	if err := (Sampling{Rate: 0}).Validate(); err == nil {
		t.Error("rate 0 should be rejected")
	}
	if err := (Sampling{Rate: 1, Strategy: "random"}).Validate(); err == nil {
		t.Error("unknown strategy should be rejected")
	}
	if err := (Sampling{Rate: 5, Strategy: Sequential}).Validate(); err != nil {
		t.Errorf("valid sampling rejected: %v", err)
	}
}

func TestRun_Preview(t *testing.T) {
	path := writeMbox(t, numbered(12))

	res, events := run(t, Options{PreviewThreshold: 5, BatchSize: 3}, path, Sampling{Rate: 1})

	var previews []stats.Event
	for _, evt := range events {
		if evt.Kind == stats.KindPreview {
			previews = append(previews, evt)
		}
	}
	if len(previews) != 1 {
		t.Fatalf("got %d preview events, want 1", len(previews))
	}
	if previews[0].Count != 5 || len(previews[0].Records) != 5 {
		t.Errorf("preview = %d records (Count %d), want 5", len(previews[0].Records), previews[0].Count)
	}
	if len(res.Records) != 12 {
		t.Errorf("loaded %d records, want 12", len(res.Records))
	}
	if &previews[0].Records[0] == &res.Records[0] {
		t.Error("preview must be a snapshot, not share the live slice")
	}
}

func TestRun_Cancel(t *testing.T) {
	path := writeMbox(t, numbered(50))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := NewPipeline(Options{PreviewThreshold: 5}, nil).Run(ctx, path, Sampling{Rate: 1}, func(evt stats.Event) {
		if evt.Kind == stats.KindPreview {
			cancel()
		}
	})
	t.Cleanup(func() { _ = res.Archive.Close() })

	if res.Kind != stats.KindCancelled {
		t.Fatalf("Kind = %s, want cancelled", res.Kind)
	}
	if len(res.Records) != 5 {
		t.Errorf("loaded %d records before stopping, want 5", len(res.Records))
	}
	if evt := res.Event(); evt.Count != len(res.Records) || res.Summary.Loaded != len(res.Records) {
		t.Errorf("count mismatch: event %d, summary %d, records %d", evt.Count, res.Summary.Loaded, len(res.Records))
	}
}

func TestRun_SkipsCorruptRecords(t *testing.T) {
	corrupt := "From broken@example.com Mon Jan  1 00:00:00 2024\nthis line is not a header\n\nbody\n\n"
	msgs := numbered(3)
	path := writeMbox(t, []string{msgs[0], corrupt, msgs[1], msgs[2]})

	res, _ := run(t, Options{}, path, Sampling{Rate: 1})

	if res.Kind != stats.KindCompleted {
		t.Fatalf("Kind = %s, Err = %v", res.Kind, res.Err)
	}
	if len(res.Records) != 3 || res.Summary.Errors != 1 {
		t.Errorf("loaded %d records with %d errors, want 3 and 1", len(res.Records), res.Summary.Errors)
	}
	if res.Summary.LastError == nil {
		t.Error("LastError not recorded")
	}
}

// explodingExtractor panics on records whose raw text contains "explode".
type explodingExtractor struct{ next recordExtractor }

func (e explodingExtractor) Extract(msg mbox.Message) (model.Record, error) {
	if bytes.Contains(msg.Raw, []byte("explode")) {
		panic("unexpected input")
	}
	return e.next.Extract(msg)
}

func TestRun_ExtractorPanicSkipsRecord(t *testing.T) {
	msgs := numbered(3)
	path := writeMbox(t, []string{msgs[0], message("bad@test", "explode", "x"), msgs[1], msgs[2]})

	p := NewPipeline(Options{}, nil)
	p.extractor = explodingExtractor{next: p.extractor}
	res := p.Run(context.Background(), path, Sampling{Rate: 1}, nil)
	if res.Archive != nil {
		t.Cleanup(func() { _ = res.Archive.Close() })
	}

	if res.Kind != stats.KindCompleted {
		t.Fatalf("Kind = %s, Err = %v", res.Kind, res.Err)
	}
	want := []string{"id-1@test", "id-2@test", "id-3@test"}
	if diff := cmp.Diff(want, identities(res.Records)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if res.Summary.Errors != 1 || res.Summary.LastError == nil ||
		!strings.Contains(res.Summary.LastError.Error(), "unexpected input") {
		t.Errorf("Errors = %d, LastError = %v", res.Summary.Errors, res.Summary.LastError)
	}
}

func TestRun_MissingFile(t *testing.T) {
	res, _ := run(t, Options{}, filepath.Join(t.TempDir(), "missing.mbox"), Sampling{Rate: 1})

	if res.Kind != stats.KindFailed || res.Err == nil {
		t.Fatalf("Kind = %s, Err = %v, want failed", res.Kind, res.Err)
	}
	if res.Archive != nil {
		t.Error("Archive should be nil when the file cannot be opened")
	}
}

func TestRun_LargeFileIsEstimated(t *testing.T) {
	path := writeMbox(t, numbered(4))

	res, events := run(t, Options{LargeFileBytes: 1}, path, Sampling{Rate: 1})

	if res.Exact || events[0].Exact {
		t.Errorf("large file should be estimated, got %+v", events[0])
	}
	if events[0].Total < 1 {
		t.Errorf("estimated total = %d, want >= 1", events[0].Total)
	}
	if len(res.Records) != 4 {
		t.Errorf("loaded %d records, want 4", len(res.Records))
	}
}

func TestRun_KeepsUndatedRecordsAndSpans(t *testing.T) {
	undated := "From x@example.com Mon Jan  1 00:00:00 2024\nMessage-ID: <undated@test>\nDate: whenever\n\nbody\n\n"
	msgs := []string{numbered(1)[0], undated}
	path := writeMbox(t, msgs)

	res, _ := run(t, Options{}, path, Sampling{Rate: 1})
	if len(res.Records) != 2 {
		t.Fatalf("loaded %d records, want 2", len(res.Records))
	}
	if res.Records[1].Dated() {
		t.Error("undated record reported a date")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range res.Records {
		got := string(data[rec.Payload.Offset:rec.Payload.End()])
		if got != msgs[i] {
			t.Errorf("record %d span = %q, want %q", i, got, msgs[i])
		}
	}
}

func TestStatusText(t *testing.T) {
	got := statusText(10, 20, 50, 0)
	if !strings.HasPrefix(got, "Loaded 10 records (20 scanned") {
		t.Errorf("statusText() = %q", got)
	}
}

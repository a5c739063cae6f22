// Package export writes record subsets back out as mbox files, either to a
// new destination or by rewriting the live archive in place.
//
// Output is always produced in a temporary sibling file that replaces the
// target with a single rename once it is complete. Records are copied byte for
// byte from the archive; the only bytes ever added are a missing blank line
// between two records.
package export

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/stats"
)

var (
	ErrSameFile      = errors.New("destination is the source archive")
	ErrArchiveClosed = errors.New("archive is not open")
	errNotAMessage   = errors.New("payload does not start with a From line")
	fromPrefix       = []byte("From ")
	rename           = os.Rename
)

type Options struct {
	// TempSuffix ends the name of the in-progress file created next to the
	// target.
	TempSuffix       string
	CopyBufferSize   int
	ProgressInterval time.Duration
	LogInterval      time.Duration
}

func DefaultOptions() Options {
	return Options{
		TempSuffix:       ".temp",
		CopyBufferSize:   1 << 20,
		ProgressInterval: 500 * time.Millisecond,
		LogInterval:      5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TempSuffix == "" {
		o.TempSuffix = d.TempSuffix
	}
	if o.CopyBufferSize <= 0 {
		o.CopyBufferSize = d.CopyBufferSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.LogInterval <= 0 {
		o.LogInterval = d.LogInterval
	}
	return o
}

// Error describes a failed export. The target is unchanged; TempPath, when
// set, names the incomplete output left for inspection.
type Error struct {
	Op       string
	Path     string
	TempPath string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
	if e.TempPath != "" {
		msg += fmt.Sprintf(" (incomplete output kept at %s)", e.TempPath)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the outcome of one export.
type Result struct {
	Stage   stats.Stage
	Kind    stats.Kind
	Path    string
	Total   int
	Written int
	Bytes   int64
	// Spans holds the location of every written record in the output, in
	// input order. It is set only on success.
	Spans   []model.Span
	Elapsed time.Duration
	Err     error
}

// Event converts r into the terminal event of an export stream.
func (r Result) Event() stats.Event {
	evt := stats.Event{
		Stage:   r.Stage,
		Kind:    r.Kind,
		Total:   r.Total,
		Count:   r.Written,
		Elapsed: r.Elapsed,
		Err:     r.Err,
		Path:    r.Path,
		Summary: stats.Summary{Written: r.Written, Bytes: r.Bytes, LastError: r.Err},
	}
	var exportErr *Error
	if errors.As(r.Err, &exportErr) && exportErr.TempPath != "" {
		evt.Path = exportErr.TempPath
	}
	return evt
}

type Coordinator struct {
	opts   Options
	logger *slog.Logger
}

func NewCoordinator(opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{opts: opts.withDefaults(), logger: logger}
}

// ExportNew writes records to dest, replacing any existing file there.
func (c *Coordinator) ExportNew(ctx context.Context, archive *mbox.Archive, records []model.Record, dest string, emit func(stats.Event)) Result {
	run := c.start(stats.StageExport, dest, len(records), emit)

	if !archive.IsOpen() {
		return run.finish(stats.KindFailed, ErrArchiveClosed)
	}
	if sameFile(dest, archive.Path()) {
		return run.finish(stats.KindFailed, &Error{Op: "export", Path: dest, Err: ErrSameFile})
	}

	temp, err := c.writeTemp(ctx, run, archive, records, dest, 0o644)
	if err != nil {
		return run.fail(ctx, err)
	}
	if err := c.commit(temp, dest); err != nil {
		return run.finish(stats.KindFailed, err)
	}
	return run.finish(stats.KindCompleted, nil)
}

// Rewrite replaces the archive with records. With a non-empty backupPath the
// archive is first copied there verbatim; a failed backup aborts before the
// archive is touched. The archive handle is closed for the swap and reopened
// on the new contents; on failure it is reopened on the unchanged original.
func (c *Coordinator) Rewrite(ctx context.Context, archive *mbox.Archive, records []model.Record, backupPath string, emit func(stats.Event)) Result {
	run := c.start(stats.StageRewrite, "", len(records), emit)

	if !archive.IsOpen() {
		return run.finish(stats.KindFailed, ErrArchiveClosed)
	}
	path := archive.Path()
	run.res.Path = path

	info, err := os.Stat(path)
	if err != nil {
		return run.finish(stats.KindFailed, &Error{Op: "stat", Path: path, Err: err})
	}

	if backupPath != "" {
		if sameFile(backupPath, path) {
			return run.finish(stats.KindFailed, &Error{Op: "backup", Path: backupPath, Err: ErrSameFile})
		}
		if err := c.backup(ctx, run, archive, backupPath); err != nil {
			return run.fail(ctx, err)
		}
	}

	temp, err := c.writeTemp(ctx, run, archive, records, path, info.Mode().Perm())
	if err != nil {
		return run.fail(ctx, err)
	}

	if err := archive.Close(); err != nil {
		c.logger.Warn("close archive before swap", "path", path, "err", err)
	}
	if err := c.commit(temp, path); err != nil {
		if reopenErr := archive.Reopen(); reopenErr != nil {
			err = errors.Join(err, reopenErr)
		}
		return run.finish(stats.KindFailed, err)
	}
	if err := archive.Reopen(); err != nil {
		return run.finish(stats.KindFailed, &Error{Op: "reopen", Path: path, Err: err})
	}

	return run.finish(stats.KindCompleted, nil)
}

// writeTemp writes records into a new file next to target, named
// <target>.<random><TempSuffix>. The file is created exclusively, so it never
// replaces an existing file such as the source archive or a backup. On
// cancellation the temporary file is removed; on any other failure it is kept.
func (c *Coordinator) writeTemp(ctx context.Context, run *runState, archive *mbox.Archive, records []model.Record, target string, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*"+c.opts.TempSuffix)
	if err != nil {
		return "", &Error{Op: "create", Path: target, Err: err}
	}
	temp := f.Name()
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		_ = os.Remove(temp)
		return "", &Error{Op: "create", Path: target, Err: err}
	}

	buf := bufio.NewWriterSize(f, c.opts.CopyBufferSize)
	err = c.writeRecords(ctx, run, buf, archive, records)
	if err == nil {
		err = buf.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		if ctx.Err() != nil {
			_ = os.Remove(temp)
			return "", ctx.Err()
		}
		return "", &Error{Op: "write", Path: target, TempPath: temp, Err: err}
	}
	return temp, nil
}

func (c *Coordinator) writeRecords(ctx context.Context, run *runState, w io.Writer, archive *mbox.Archive, records []model.Record) error {
	out := &tailWriter{w: w}
	copyBuf := make([]byte, 64*1024)
	head := make([]byte, len(fromPrefix))
	spans := make([]model.Span, 0, len(records))

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i > 0 {
			if err := out.ensureBlankLine(); err != nil {
				return err
			}
		}

		section := archive.Section(rec.Payload)
		if _, err := io.ReadFull(section, head); err != nil || !bytes.Equal(head, fromPrefix) {
			if err == nil {
				err = errNotAMessage
			}
			return fmt.Errorf("record %d (%s) at offset %d: %w", i, rec.Identity, rec.Payload.Offset, err)
		}

		start := out.n
		if _, err := out.Write(head); err != nil {
			return err
		}
		n, err := io.CopyBuffer(out, section, copyBuf)
		if err != nil {
			return fmt.Errorf("record %d (%s): %w", i, rec.Identity, err)
		}
		if got := n + int64(len(head)); got != rec.Payload.Length {
			return fmt.Errorf("record %d (%s): copied %d of %d bytes: %w", i, rec.Identity, got, rec.Payload.Length, io.ErrUnexpectedEOF)
		}
		spans = append(spans, model.Span{Offset: start, Length: rec.Payload.Length})

		run.res.Written = i + 1
		run.res.Bytes = out.n
		run.progress(run.res.Stage, i+1, len(records), percentOf(int64(i+1), int64(len(records))),
			fmt.Sprintf("Wrote %d of %d records", i+1, len(records)))
	}

	run.res.Spans = spans
	return nil
}

// backup copies the whole archive to path. A partial backup is removed.
func (c *Coordinator) backup(ctx context.Context, run *runState, archive *mbox.Archive, path string) (err error) {
	src, size, err := archive.Stream()
	if err != nil {
		return &Error{Op: "backup", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &Error{Op: "backup", Path: path, Err: err}
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = &Error{Op: "backup", Path: path, Err: closeErr}
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	c.logger.Info("creating backup", "from", archive.Path(), "to", path, "bytes", size)
	buf := make([]byte, c.opts.CopyBufferSize)
	var copied int64
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return &Error{Op: "backup", Path: path, Err: writeErr}
			}
			copied += int64(n)
			run.progress(stats.StageBackup, int(copied), int(size), percentOf(copied, size),
				fmt.Sprintf("Backing up %s of %s", byteCount(copied), byteCount(size)))
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return &Error{Op: "backup", Path: path, Err: readErr}
		}
	}
	if copied != size {
		return &Error{Op: "backup", Path: path, Err: fmt.Errorf("copied %d of %d bytes: %w", copied, size, io.ErrUnexpectedEOF)}
	}
	if err := f.Sync(); err != nil {
		return &Error{Op: "backup", Path: path, Err: err}
	}
	return nil
}

// commit renames temp over target. os.Rename replaces an existing target on
// every supported platform, so the target is never removed beforehand.
func (c *Coordinator) commit(temp, target string) error {
	if err := rename(temp, target); err != nil {
		return &Error{Op: "rename", Path: target, TempPath: temp, Err: err}
	}
	syncDir(filepath.Dir(target))
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func percentOf(n, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(min(100, n*100/total))
}

func byteCount(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// tailWriter counts bytes and remembers the last few written.
type tailWriter struct {
	w    io.Writer
	n    int64
	tail []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.n += int64(n)
	if n >= 3 {
		t.tail = append(t.tail[:0], p[n-3:n]...)
	} else {
		t.tail = append(t.tail, p[:n]...)
		if len(t.tail) > 3 {
			t.tail = t.tail[len(t.tail)-3:]
		}
	}
	return n, err
}

// ensureBlankLine terminates the previous record with an empty line if it
// does not already end with one.
func (t *tailWriter) ensureBlankLine() error {
	var pad string
	switch {
	case bytes.HasSuffix(t.tail, []byte("\n\n")), bytes.HasSuffix(t.tail, []byte("\n\r\n")):
		return nil
	case bytes.HasSuffix(t.tail, []byte("\n")):
		pad = "\n"
	default:
		pad = "\n\n"
	}
	_, err := t.Write([]byte(pad))
	return err
}

// runState carries one export's result and event cadence.
type runState struct {
	c        *Coordinator
	res      Result
	started  time.Time
	progress func(stage stats.Stage, count, total, percent int, text string)
}

func (c *Coordinator) start(stage stats.Stage, path string, total int, emit func(stats.Event)) *runState {
	if emit == nil {
		emit = func(stats.Event) {}
	}
	run := &runState{
		c:       c,
		res:     Result{Stage: stage, Path: path, Total: total},
		started: time.Now(),
	}

	progress := &rate.Sometimes{Interval: c.opts.ProgressInterval}
	logLine := &rate.Sometimes{Interval: c.opts.LogInterval}
	run.progress = func(stage stats.Stage, count, total, percent int, text string) {
		progress.Do(func() {
			emit(stats.Event{Stage: stage, Kind: stats.KindProgress, Count: count, Total: total, Percent: percent})
			elapsed := time.Since(run.started).Seconds()
			if elapsed > 0 && stage != stats.StageBackup {
				text = fmt.Sprintf("%s (%.0f/s)", text, float64(count)/elapsed)
			}
			emit(stats.Event{Stage: stage, Kind: stats.KindStatus, Text: text})
		})
		logLine.Do(func() {
			c.logger.Info("exporting", "stage", stage, "count", count, "total", total, "percent", percent)
		})
	}

	emit(stats.Event{Stage: stage, Kind: stats.KindEstimated, Total: total, Exact: true})
	return run
}

func (r *runState) finish(kind stats.Kind, err error) Result {
	r.res.Kind = kind
	r.res.Err = err
	r.res.Elapsed = time.Since(r.started)
	if kind != stats.KindCompleted {
		r.res.Spans = nil
	}

	attrs := []any{"stage", r.res.Stage, "path", r.res.Path, "written", r.res.Written, "total", r.res.Total, "duration", r.res.Elapsed}
	switch kind {
	case stats.KindCompleted:
		r.c.logger.Info("export completed", append(attrs, "bytes", r.res.Bytes)...)
	case stats.KindCancelled:
		r.c.logger.Warn("export cancelled", attrs...)
	default:
		r.c.logger.Error("export failed", append(attrs, "err", err)...)
	}
	return r.res
}

// fail finishes with Cancelled when ctx ended, otherwise with Failed.
func (r *runState) fail(ctx context.Context, err error) Result {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return r.finish(stats.KindCancelled, nil)
	}
	return r.finish(stats.KindFailed, err)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dhcgn/mbox-curate/export"
	"github.com/dhcgn/mbox-curate/ingest"
	"github.com/dhcgn/mbox-curate/session"
	"github.com/dhcgn/mbox-curate/view"
)

// Tuning holds the constants that can be overridden by the TOML config file.
type Tuning struct {
	Ingest IngestTuning `toml:"ingest"`
	Export ExportTuning `toml:"export"`
	View   ViewTuning   `toml:"view"`
}

// IngestTuning configures the ingestion pipeline.
type IngestTuning struct {
	LargeFileMB            int           `toml:"large_file_mb"`
	RecordsPerMB           int           `toml:"records_per_mb"`
	PreviewThreshold       int           `toml:"preview_threshold"`
	BatchSize              int           `toml:"batch_size"`
	ProgressInterval       time.Duration `toml:"progress_interval"`
	LogInterval            time.Duration `toml:"log_interval"`
	EventBuffer            int           `toml:"event_buffer"`
	AutoProbabilisticTotal int           `toml:"auto_probabilistic_total"`
	AutoProbabilisticRate  int           `toml:"auto_probabilistic_rate"`
}

// ExportTuning configures export and rewrite.
type ExportTuning struct {
	TempSuffix   string `toml:"temp_suffix"`
	CopyBufferKB int    `toml:"copy_buffer_kb"`
}

type ViewTuning struct {
	PageSize int `toml:"page_size"`
}

// DefaultTuning returns the built-in tuning values.
func DefaultTuning() Tuning {
	in := ingest.DefaultOptions()
	ex := export.DefaultOptions()
	return Tuning{
		Ingest: IngestTuning{
			LargeFileMB:            int(in.LargeFileBytes >> 20),
			RecordsPerMB:           in.RecordsPerMB,
			PreviewThreshold:       in.PreviewThreshold,
			BatchSize:              in.BatchSize,
			ProgressInterval:       in.ProgressInterval,
			LogInterval:            in.LogInterval,
			EventBuffer:            256,
			AutoProbabilisticTotal: in.AutoProbabilisticTotal,
			AutoProbabilisticRate:  in.AutoProbabilisticRate,
		},
		Export: ExportTuning{
			TempSuffix:   ex.TempSuffix,
			CopyBufferKB: ex.CopyBufferSize >> 10,
		},
		View: ViewTuning{
			PageSize: view.DefaultPageSize,
		},
	}
}

// DefaultHome returns the default mbox-curate home directory.
// Respects the MBOX_CURATE_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MBOX_CURATE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mbox-curate"
	}
	return filepath.Join(home, ".mbox-curate")
}

// LoadTuning reads tuning values from path on top of the defaults.
// If path is empty, uses the default location (~/.mbox-curate/config.toml).
// A missing file is not an error.
func LoadTuning(path string) (Tuning, error) {
	if path == "" {
		path = filepath.Join(DefaultHome(), "config.toml")
	}

	t := DefaultTuning()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return t, nil
	}

	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return Tuning{}, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Tuning{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := t.validate(); err != nil {
		return Tuning{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"ingest.large_file_mb", t.Ingest.LargeFileMB},
		{"ingest.records_per_mb", t.Ingest.RecordsPerMB},
		{"ingest.preview_threshold", t.Ingest.PreviewThreshold},
		{"ingest.batch_size", t.Ingest.BatchSize},
		{"ingest.event_buffer", t.Ingest.EventBuffer},
		{"ingest.auto_probabilistic_total", t.Ingest.AutoProbabilisticTotal},
		{"ingest.auto_probabilistic_rate", t.Ingest.AutoProbabilisticRate},
		{"export.copy_buffer_kb", t.Export.CopyBufferKB},
		{"view.page_size", t.View.PageSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if t.Ingest.ProgressInterval <= 0 || t.Ingest.LogInterval <= 0 {
		return fmt.Errorf("ingest intervals must be positive")
	}
	if t.Export.TempSuffix == "" {
		return fmt.Errorf("export.temp_suffix must not be empty")
	}
	if strings.ContainsAny(t.Export.TempSuffix, `/\`) {
		return fmt.Errorf("export.temp_suffix must not contain a path separator, got %q", t.Export.TempSuffix)
	}
	return nil
}

func (t Tuning) IngestOptions() ingest.Options {
	return ingest.Options{
		LargeFileBytes:         int64(t.Ingest.LargeFileMB) << 20,
		RecordsPerMB:           t.Ingest.RecordsPerMB,
		PreviewThreshold:       t.Ingest.PreviewThreshold,
		BatchSize:              t.Ingest.BatchSize,
		ProgressInterval:       t.Ingest.ProgressInterval,
		LogInterval:            t.Ingest.LogInterval,
		AutoProbabilisticTotal: t.Ingest.AutoProbabilisticTotal,
		AutoProbabilisticRate:  t.Ingest.AutoProbabilisticRate,
	}
}

// ExportOptions shares the ingest cadence for export progress.
func (t Tuning) ExportOptions() export.Options {
	return export.Options{
		TempSuffix:       t.Export.TempSuffix,
		CopyBufferSize:   t.Export.CopyBufferKB << 10,
		ProgressInterval: t.Ingest.ProgressInterval,
		LogInterval:      t.Ingest.LogInterval,
	}
}

func (t Tuning) SessionOptions() session.Options {
	return session.Options{
		Ingest:      t.IngestOptions(),
		Export:      t.ExportOptions(),
		PageSize:    t.View.PageSize,
		EventBuffer: t.Ingest.EventBuffer,
	}
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-curate/filter"
	"github.com/dhcgn/mbox-curate/ingest"
)

// Config captures all command-line options shared by the subcommands.
type Config struct {
	MboxPath   string
	ConfigPath string
	LogLevel   string
	LogDir     string
	Sampling   ingest.Sampling
	Filter     filter.Spec
	Tuning     Tuning
}

// RegisterFlags attaches the shared CLI flags to the provided command as
// persistent flags, so every subcommand accepts them.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to the TOML tuning file (default ~/.mbox-curate/config.toml)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs only to stdout if empty)")

	flags.Int("sample-rate", 1, "Keep one record out of N")
	flags.String("sampling", string(ingest.Auto), "Sampling strategy: sequential, probabilistic, auto")
	flags.Uint64("seed", 0, "Seed for probabilistic sampling (0 picks a random seed)")

	flags.String("subject", "", "Words matched against the subject")
	flags.String("subject-mode", string(filter.Contains), `Subject match mode: contains, excludes ("does not contain")`)
	flags.String("from", "", "Words matched against the sender")
	flags.String("from-mode", string(filter.Contains), "Sender match mode")
	flags.String("to", "", "Words matched against the recipient")
	flags.String("to-mode", string(filter.Contains), "Recipient match mode")
	flags.String("content", "", "Words matched against the message body")
	flags.String("content-mode", string(filter.Contains), "Content match mode")
	flags.String("after", "", "Keep records dated on or after this day ("+filter.DateLayout+")")
}

// LoadConfig converts the parsed Cobra flags and the mbox argument into a
// Config struct with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	if len(args) > 0 {
		cfg.MboxPath = filepath.Clean(args[0])
	}

	var err error
	if cfg.ConfigPath, err = flags.GetString("config"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return Config{}, err
	}
	if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
		return Config{}, err
	}
	if cfg.Sampling.Rate, err = flags.GetInt("sample-rate"); err != nil {
		return Config{}, err
	}
	strategy, err := flags.GetString("sampling")
	if err != nil {
		return Config{}, err
	}
	if cfg.Sampling.Strategy, err = ingest.ParseStrategy(strategy); err != nil {
		return Config{}, err
	}
	if cfg.Sampling.Seed, err = flags.GetUint64("seed"); err != nil {
		return Config{}, err
	}

	clauses := []struct {
		value, mode string
		dst         *filter.TextClause
	}{
		{"subject", "subject-mode", &cfg.Filter.Subject},
		{"from", "from-mode", &cfg.Filter.Sender},
		{"to", "to-mode", &cfg.Filter.Recipient},
		{"content", "content-mode", &cfg.Filter.Content},
	}
	for _, c := range clauses {
		value, err := flags.GetString(c.value)
		if err != nil {
			return Config{}, err
		}
		modeName, err := flags.GetString(c.mode)
		if err != nil {
			return Config{}, err
		}
		mode, err := filter.ParseMode(modeName)
		if err != nil {
			return Config{}, fmt.Errorf("--%s: %w", c.mode, err)
		}
		*c.dst = filter.TextClause{Value: value, Mode: mode}
	}
	if cfg.Filter.After, err = flags.GetString("after"); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if cfg.Tuning, err = LoadTuning(cfg.ConfigPath); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("an mbox file is required")
	}
	if err := cfg.Sampling.Validate(); err != nil {
		return err
	}
	if cfg.Filter.After != "" {
		if _, ok := filter.ParseAfter(cfg.Filter.After); !ok {
			return fmt.Errorf("--after must be a date in %s format, got %q", filter.DateLayout, cfg.Filter.After)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

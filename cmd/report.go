package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/stats"
)

var (
	reportDir   string
	topN        int
	reportLimit int
)

var reportFields = []string{"From", "To", "Subject", "Year"}

var reportCmd = &cobra.Command{
	Use:   "report [mbox file]",
	Short: "Show top senders, recipients and subjects of the filtered records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, args)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.load(cmd.Context()); err != nil {
			return err
		}

		records := a.session.View().Records()
		counter := countFields(records)

		pterm.DefaultSection.Printf("Report over %d records\n", len(records))
		for _, field := range reportFields {
			fmt.Printf("Top %d %s:\n", topN, field)
			stats.PrettyPrintTop(counter[field], topN)
			fmt.Println()
		}

		if reportDir == "" {
			return nil
		}
		if err := saveCSVReports(counter, reportFields, reportDir, reportLimit); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		pterm.Success.Printf("Reports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (none if empty)")
	reportCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	reportCmd.Flags().IntVar(&reportLimit, "csv-limit", 1000, "Maximum rows per CSV report")
	rootCmd.AddCommand(reportCmd)
}

func countFields(records []model.Record) map[string]map[string]int {
	counter := make(map[string]map[string]int, len(reportFields))
	for _, field := range reportFields {
		counter[field] = make(map[string]int)
	}

	for _, rec := range records {
		if rec.Sender != "" {
			counter["From"][rec.Sender]++
		}
		if rec.Recipient != "" {
			counter["To"][rec.Recipient]++
		}
		if rec.Subject != "" {
			counter["Subject"][rec.Subject]++
		}
		year := "undated"
		if rec.Dated() {
			year = strconv.Itoa(rec.Date.Year())
		}
		counter["Year"][year]++
	}
	return counter
}

func saveCSVReports(counter map[string]map[string]int, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(field)))
		if err := writeCSVReport(filePath, stats.TopN(counter[field], limit)); err != nil {
			return fmt.Errorf("%s: %w", filePath, err)
		}
	}
	return nil
}

func writeCSVReport(path string, entries []stats.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		file.Close()
		return err
	}
	for _, e := range entries {
		if err := writer.Write([]string{e.Key, strconv.Itoa(e.Value)}); err != nil {
			file.Close()
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

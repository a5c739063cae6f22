package cmd

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/textutil"
)

const (
	columnRunes  = 40
	subjectRunes = 60
)

var scanPage int

var scanCmd = &cobra.Command{
	Use:   "scan [mbox file]",
	Short: "Load the archive, apply the filter flags and list one page of matches",
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

		v := a.session.View()
		v.SetPage(scanPage - 1)
		st := a.session.Stats()

		pterm.DefaultSection.Println("Records")
		pterm.Info.Printf("%d loaded, %d match (filter: %s), page %d of %d\n",
			st.Loaded, st.Filtered, st.Filter, v.CurrentPage()+1, v.Pages())

		start, _ := v.PageBounds(v.CurrentPage())
		return pterm.DefaultTable.
			WithHasHeader().
			WithData(pageRows(v.Page(v.CurrentPage()), start)).
			Render()
	},
}

func init() {
	scanCmd.Flags().IntVarP(&scanPage, "page", "p", 1, "Page of the filtered records to list (1-based)")
	rootCmd.AddCommand(scanCmd)
}

// pageRows builds a table with a header row; first is the view index of
// records[0].
func pageRows(records []model.Record, first int) [][]string {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, []string{"#", "Date", "From", "To", "Subject", "Size"})
	for i, rec := range records {
		rows = append(rows, []string{
			strconv.Itoa(first + i + 1),
			displayDate(rec),
			textutil.TruncateRunes(rec.Sender, columnRunes),
			textutil.TruncateRunes(rec.Recipient, columnRunes),
			textutil.TruncateRunes(rec.Subject, subjectRunes),
			strconv.FormatInt(rec.Size, 10),
		})
	}
	return rows
}

func displayDate(rec model.Record) string {
	if rec.Dated() {
		return rec.Date.Format("2006-01-02 15:04")
	}
	if rec.RawDate != "" {
		return textutil.TruncateRunes(rec.RawDate, 20)
	}
	return "-"
}

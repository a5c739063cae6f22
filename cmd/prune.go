package cmd

import (
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-curate/filter"
)

var (
	pruneBackup  string
	pruneConfirm bool
)

var errNoFilter = errors.New("prune needs at least one filter flag; it would remove every record")

var pruneCmd = &cobra.Command{
	Use:   "prune [mbox file]",
	Short: "Remove the records matching the filter flags from the archive in place",
	Long: `Remove the records matching the filter flags from the archive in place.

Without --yes only the number of matching records is reported. The archive is
rewritten through a temporary file next to it; with --backup a verbatim copy of
the original is written first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, args)
		if err != nil {
			return err
		}
		defer a.Close()

		if !filter.New(a.cfg.Filter).Active() {
			return errNoFilter
		}

		loaded, err := a.load(cmd.Context())
		if err != nil {
			return err
		}
		// Records that were not loaded would be dropped by the rewrite.
		if n := loaded.Summary.SampledOut; n > 0 {
			return fmt.Errorf("prune needs every record loaded, but sampling skipped %d; drop --sample-rate", n)
		}
		if n := loaded.Summary.Errors; n > 0 {
			return fmt.Errorf("prune refused: %d records could not be read (last error: %v)", n, loaded.Summary.LastError)
		}

		st := a.session.Stats()
		if !pruneConfirm {
			pterm.Warning.Printf("%d of %d records match (%s); rerun with --yes to remove them\n",
				st.Filtered, st.Loaded, st.Filter)
			return nil
		}

		sel := a.session.NewSelection()
		sel.SelectAll()
		removed, err := a.session.RemoveRecords(sel)
		if err != nil {
			return err
		}

		events, err := a.session.RewriteInPlace(pruneBackup)
		if err != nil {
			return err
		}
		final, err := a.consume(cmd.Context(), events, a.session.CancelExport)
		if err != nil {
			return err
		}
		if err := terminalError(final); err != nil {
			return fmt.Errorf("rewrite %s: %w", a.cfg.MboxPath, err)
		}

		pterm.Success.Printf("Removed %d records, %d remain in %s\n", removed, final.Count, a.cfg.MboxPath)
		if pruneBackup != "" {
			pterm.Info.Printf("Original kept at %s\n", pruneBackup)
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBackup, "backup", "", "Write a copy of the original archive here before rewriting")
	pruneCmd.Flags().BoolVarP(&pruneConfirm, "yes", "y", false, "Rewrite the archive without asking")
	rootCmd.AddCommand(pruneCmd)
}

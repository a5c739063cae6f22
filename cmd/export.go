package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export [mbox file]",
	Short: "Write the filtered records to a new mbox file",
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

		events, err := a.session.ExportNew(exportOutput)
		if err != nil {
			return err
		}
		final, err := a.consume(cmd.Context(), events, a.session.CancelExport)
		if err != nil {
			return err
		}
		if err := terminalError(final); err != nil {
			return fmt.Errorf("export to %s: %w", exportOutput, err)
		}

		pterm.Success.Printf("Exported %d records to %s\n", final.Count, final.Path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Destination mbox file")
	_ = exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}

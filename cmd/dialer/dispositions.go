package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
)

var dispositionsCmd = &cobra.Command{
	Use:   "dispositions",
	Short: "Inspect the disposition catalog",
}

var dispositionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured dispositions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		catalog, err := dispositions.Load(cfg.DispositionsPath, cfg.DispositionNameFallback)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tREQUEUE\tACTIONS")
		for _, d := range catalog.List() {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.ID, d.Name, catalog.ShouldRequeue(d), strings.Join(d.AutomationActions, ","))
		}
		return w.Flush()
	},
}

var dispositionsValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml>",
	Short: "Check a catalog file without loading it into a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := dispositions.Load(args[0], false)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d dispositions ok\n", args[0], len(catalog.List()))
		return nil
	},
}

func init() {
	dispositionsCmd.AddCommand(dispositionsListCmd, dispositionsValidateCmd)
}

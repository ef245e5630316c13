package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/export"
	"github.com/sells-group/registry-cli/internal/store"
)

var (
	exportFormat string
	exportOut    string
	exportAll    bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the admitted companies to a file",
	Long:  "Exports canonical companies whose employee estimate meets the configured admission threshold. Admission is recomputed at export time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("export"); err != nil {
			return err
		}

		path := exportOut
		if path == "" {
			path = cfg.Export.Path
		}
		format, err := exportFormatFor(exportFormat, cfg.Export.Format, path)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		companies, err := st.ListCompanies(ctx, store.CompanyFilter{})
		if err != nil {
			return eris.Wrap(err, "export: list companies")
		}
		selected := export.Select(companies, export.Options{
			Threshold:        cfg.Pipeline.AdmissionThreshold,
			ActivityPrefixes: cfg.Pipeline.ActivityPrefixes,
			Keywords:         cfg.Pipeline.Keywords,
			All:              exportAll,
		})

		if path == "-" {
			return export.Write(os.Stdout, format, selected)
		}
		if err := export.WriteFile(path, format, selected); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d of %d companies to %s\n", len(selected), len(companies), path)
		return nil
	},
}

// exportFormatFor picks the flag, then the output extension, then config.
func exportFormatFor(flag, configured, path string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if f, ok := export.FormatFromPath(path); ok {
		return f, nil
	}
	return export.ParseFormat(configured)
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "output format: csv, json, xlsx or yaml (default from extension or config)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path, - for stdout (default from config)")
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "include companies below the admission threshold")
	rootCmd.AddCommand(exportCmd)
}

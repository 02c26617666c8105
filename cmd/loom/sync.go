package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

var (
	exportOutput  string
	exportType    string
	exportDeleted bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export elements and dependencies as NDJSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		res, err := st.Export(rootCtx, out, types.ListFilter{
			Type:           types.ElementType(exportType),
			IncludeDeleted: exportDeleted,
		})
		if err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Fprintf(os.Stderr, "Exported %d element(s), %d dependencies\n",
				res.Elements, res.Dependencies)
		}
		return nil
	},
}

var (
	importOverwrite bool
	importDryRun    bool
)

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an NDJSON stream (stdin when no file given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		res, err := st.Import(rootCtx, in, store.ImportOptions{
			Overwrite: importOverwrite,
			DryRun:    importDryRun,
			Actor:     actor(),
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Imported %d created, %d overwritten, %d skipped; %d dependencies\n",
			res.ElementsCreated, res.ElementsOverwritten, res.ElementsSkipped,
			res.DependenciesCreated)
		for _, e := range res.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	exportCmd.Flags().StringVarP(&exportType, "type", "t", "", "Only this element type")
	exportCmd.Flags().BoolVar(&exportDeleted, "deleted", false, "Include tombstones")
	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "Replace existing elements")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without writing")
	rootCmd.AddCommand(exportCmd, importCmd)
}

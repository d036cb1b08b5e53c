package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"crm-workflow/api/services/workflow"
)

func newMigrateCommand() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the workflow and entity tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			repo, closeDB, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := workflow.InitDB(cmd.Context(), repo, seed); err != nil {
				return err
			}
			fmt.Printf("Schema ready (%s)\n", repo.Dialect().Name)
			if seed {
				fmt.Printf("Sample workflow %s for company %s\n", workflow.SampleWorkflowID, workflow.SampleCompanyID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "insert the sample workflow")
	return cmd
}

func newFieldsCommand() *cobra.Command {
	var fkOnly bool
	cmd := &cobra.Command{
		Use:   "fields [resource_type]",
		Short: "Print the fields workflows can reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := workflow.KnownResourceTypes()
			if len(args) == 1 {
				types = args[:1]
			}
			printFields(os.Stdout, types, fkOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fkOnly, "fk", false, "only list foreign key fields")
	return cmd
}

func printFields(w io.Writer, types []string, fkOnly bool) {
	header := color.New(color.FgCyan, color.Bold)
	fk := color.New(color.FgYellow)

	for _, rt := range types {
		fields := workflow.FieldsFor(rt)
		if fkOnly {
			fields = workflow.ForeignKeyFieldsFor(rt)
		}
		header.Fprintln(w, rt)
		if len(fields) == 0 {
			fmt.Fprintln(w, "  (no fields)")
			continue
		}

		width := 0
		for _, f := range fields {
			width = max(width, len(f.Name))
		}
		for _, f := range fields {
			line := fmt.Sprintf("  %-*s  %-7s", width, f.Name, f.Type)
			if f.ForeignKeyTarget != "" {
				fmt.Fprint(w, line)
				fk.Fprintf(w, "  -> %s\n", f.ForeignKeyTarget)
				continue
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
}

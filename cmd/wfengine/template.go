package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/garyjia/workflow-engine/internal/infrastructure/templatefile"
)

func templateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
	}
	cmd.AddCommand(templateImportCmd(flags), templateExportCmd(flags), templateListCmd(flags))
	return cmd
}

func templateImportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Validate and store YAML/JSON templates; a known name gets a new version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate every file before storing any of them
			for _, path := range args {
				if _, err := templatefile.Load(path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}

			c, cleanup, err := startContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, path := range args {
				tmpl, err := templatefile.Load(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := c.Repositories().Templates.Save(cmd.Context(), tmpl); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s as template %d (%s v%d)\n", path, tmpl.ID, tmpl.Name, tmpl.Version)
			}
			return nil
		},
	}
}

func templateExportCmd(flags *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <template-id> [file]",
		Short: "Write a stored template as YAML or JSON (stdout when no file is given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid template id %q", args[0])
			}

			f := templatefile.Format(format)
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				if !cmd.Flags().Changed("format") {
					if f, err = templatefile.FormatFromPath(args[1]); err != nil {
						return err
					}
				}
				file, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}

			c, cleanup, err := startContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cleanup()

			tmpl, err := c.Repositories().Templates.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			return templatefile.Encode(out, tmpl, f)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(templatefile.FormatYAML), "Output format: yaml or json")
	return cmd
}

func templateListCmd(flags *globalFlags) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := startContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cleanup()

			tmpls, err := c.Repositories().Templates.List(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tTYPE\tACTIVE\tNODES\tEDGES")
			for _, t := range tmpls {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%t\t%d\t%d\n", t.ID, t.Name, t.Version, t.WorkflowType, t.IsActive, len(t.Nodes), len(t.Edges))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active templates")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func historyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect instance audit trails",
	}
	cmd.AddCommand(historyExportCmd(flags))
	return cmd
}

func historyExportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <instance-id> <out.xlsx>",
		Short: "Write an instance summary and its history to a spreadsheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid instance id %q", args[0])
			}

			c, cleanup, err := startContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			inst, err := c.WorkflowEngine().GetInstance(ctx, id)
			if err != nil {
				return err
			}
			history, err := c.WorkflowEngine().GetHistory(ctx, id)
			if err != nil {
				return err
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := c.HistoryExporter().Export(ctx, inst, history, out); err != nil {
				_ = out.Close()
				_ = os.Remove(args[1])
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported %d history records of instance %d to %s\n", len(history), id, args[1])
			return nil
		},
	}
}

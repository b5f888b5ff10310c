package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/infrastructure/worker"
)

func sweepCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one timer/SLA sweep and print the results as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := startContainer(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := c.SweepWorker().RunOnce(cmd.Context())
			if errors.Is(err, worker.ErrSweepLocked) {
				fmt.Fprintln(os.Stderr, "another process is sweeping, nothing done")
				return nil
			}
			if err != nil {
				return err
			}
			if results == nil {
				results = []entity.ProcessingResult{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
}

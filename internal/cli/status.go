package cli

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type statusOptions struct {
	JSON bool
}

func newStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the occurrence backlog",
		Long: `Prints the pending, failed and out-of-attempts occurrence counts straight
from the database. The scheduler is reported as stopped since this process
does not run it; use GET /scheduler/status for a live instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.setup()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return wrapExit(ExitConfigError, "could not open database", err)
			}
			defer st.Close()

			sched := newScheduler(cfg, nil, st.occRepo, mainLogger())
			status, err := sched.Status(cmd.Context())
			if err != nil {
				return wrapExit(ExitRuntimeError, "could not read status", err)
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return wrapExit(ExitRuntimeError, "could not encode status", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "Pending: %d\nFailed: %d\nOut of attempts (>= %d): %d\nChecked at: %s\n",
				status.PendingCount, status.FailedCount, cfg.MaxRetryAttempts, status.ExhaustedCount,
				time.Now().UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the status as JSON")
	return cmd
}

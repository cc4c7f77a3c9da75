package cli

import (
	"fmt"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/infra/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newReplanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replan",
		Short: "Plan missing occurrences for every user",
		Long: `Walks every user and creates the occurrences missing from the planning
horizon. Existing rows are left alone, so running it twice creates nothing
the second time.`,
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

			base := logrus.NewEntry(logger.Log)
			subjects := app.NewSubjectService(st.subjRepo, st.occRepo, newPlanner(cfg, st.occRepo, base), base)
			created, err := subjects.ReplanAll(cmd.Context())
			if err != nil {
				return wrapExit(ExitRuntimeError, "replan failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "planned %d new occurrences\n", created)
			return nil
		},
	}
}

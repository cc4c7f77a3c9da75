package cli

import (
	"context"
	"fmt"

	"birthday_notification_service/internal/infra/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newProbeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Send one test notification through the configured transport",
		Long: `Sends a single connectivity test message through DELIVERY_TRANSPORT with no
retries. Exits 0 when the transport accepted it, 1 when it did not and 2 on a
configuration error. The database is not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.setup()
			if err != nil {
				return err
			}
			base := logrus.NewEntry(logger.Log)

			bot, err := newBot(cfg, base)
			if err != nil {
				return wrapExit(ExitConfigError, "could not create telegram bot", err)
			}
			transport, err := newTransport(cfg, bot)
			if err != nil {
				return wrapExit(ExitConfigError, "could not create delivery transport", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			if !newGateway(cfg, transport, base).Probe(ctx) {
				return wrapExit(ExitFailure, fmt.Sprintf("probe through %s transport was not delivered", cfg.DeliveryTransport), nil)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "probe delivered through %s transport\n", cfg.DeliveryTransport)
			return nil
		},
	}
}

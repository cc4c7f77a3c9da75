package cli

import (
	"errors"
	"fmt"

	"birthday_notification_service/internal/infra/config"
	"birthday_notification_service/internal/infra/logger"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // The command ran but its check failed (probe not delivered etc.)
	ExitConfigError  = 2 // Configuration or startup error
	ExitRuntimeError = 3
)

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the exit code from an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds the global flags.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the birthdayd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "birthdayd",
		Short: "Birthday notification service",
		Long: `Plans a birthday alert for every registered user at a fixed local wall-clock
time in their own timezone and delivers it exactly once, with recovery for
alerts missed while the service was down.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "force debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newReplanCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// setup loads the configuration and initialises the global logger from it.
func (o *RootOptions) setup() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, wrapExit(ExitConfigError, "could not load configuration", err)
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	logger.Init(cfg)
	return cfg, nil
}

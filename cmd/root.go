package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/app"
	"github.com/JakeFAU/bookmark-mirror/internal/config"
	"github.com/JakeFAU/bookmark-mirror/internal/logging"
)

// Exit codes.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs: the configuration and a logger.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	opts   []app.Option
}

// exitError carries a non-default exit code, e.g. for runs with failed items.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func partial(format string, args ...any) error {
	return &exitError{code: exitPartial, err: fmt.Errorf(format, args...)}
}

// newRootCmd creates the root command. opts are passed to every App the
// subcommands build.
func newRootCmd(opts ...app.Option) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Incrementally mirror a bookmark collection into a local library.",
		Long: `mirror downloads the works a user bookmarked, stores every image in a
content store, and records the metadata in a library (a JSON document file,
MongoDB, or PostgreSQL). Runs are incremental: the stored part of the
bookmark list is detected and skipped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Load configuration and the logger once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger, opts: opts}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newDigestCmd(),
		newCheckCmd(),
		newDeleteCmd(),
	)
	return cmd
}

func envFrom(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp opens the configured services, runs fn and closes them again.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	e, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), e.cfg, e.logger, e.opts...)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			e.logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()
	return fn(a)
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}

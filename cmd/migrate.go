package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/app"
	"github.com/JakeFAU/bookmark-mirror/internal/config"
)

const progressEvery = 100

func newMigrateCmd() *cobra.Command {
	var (
		from, to string
		opts     app.MigrateOptions
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy one library into another",
		Long: `Reads the library section of two config files and copies every item of the
first library into the second, then compares their digests. Items already in
the target are skipped unless --overwrite is given, so an interrupted
migration can be rerun.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			src, err := config.LoadLibrary(from)
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			dst, err := config.LoadLibrary(to)
			if err != nil {
				return fmt.Errorf("target: %w", err)
			}
			opts.Progress = func(n int) {
				if n%progressEvery == 0 {
					e.logger.Info("migration progress", zap.Int("items", n))
				}
			}

			report, err := app.Migrate(cmd.Context(), src, dst, opts, e.logger.Named("migrate"))
			if err != nil {
				return err
			}
			printMigration(cmd.OutOrStdout(), report)
			if !report.Consistent() {
				return partial("migration finished with %d failures and %d discrepancies",
					len(report.Failures), len(report.Discrepancies))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "config file of the source library")
	cmd.Flags().StringVar(&to, "to", "", "config file of the target library")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "write into an existing docfile target")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace items that already exist in the target")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

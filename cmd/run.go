package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bookmark-mirror/internal/app"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
)

func newRunCmd() *cobra.Command {
	var (
		start, stop int
		opts        mirror.RunOptions
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror new bookmarks into the library",
		Long: `Lists the configured user's bookmarks, works out which part of the list is
already stored, downloads the rest and commits each work once all of its
images are stored. Without --start the start is detected from the library.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("start") {
				opts.Start = &start
			}
			if cmd.Flags().Changed("stop") {
				opts.Stop = &stop
			}
			return withApp(cmd, func(a *app.App) error {
				summary, err := a.Run(cmd.Context(), opts)
				if errors.Is(err, mirror.ErrRunning) {
					return err
				}
				printSummary(cmd.OutOrStdout(), summary)
				if err != nil {
					return fmt.Errorf("run aborted: %w", err)
				}
				if n := len(summary.Failures); n > 0 {
					return partial("%d of %d items failed", n, summary.Plan.Stop-summary.Plan.Start)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "first position to mirror (default: detect)")
	cmd.Flags().IntVar(&stop, "stop", 0, "position to stop before (default: end of the list)")
	cmd.Flags().BoolVar(&opts.Ascending, "ascending", false, "walk the bookmarks oldest first")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "download and replace items that are already stored")
	return cmd
}

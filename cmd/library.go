package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bookmark-mirror/internal/app"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
)

func newDigestCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print a summary of the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				d, err := a.Digest(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(d)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), d)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify stored images and library references",
		Long: `Verifies every stored image against the content store and every author and
tag record against the items. With --repair, missing author and tag records
are registered and unreferenced ones removed in one transaction; content
issues are only reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				var (
					report mirror.CheckReport
					fixed  int
					err    error
				)
				if repair {
					fixed, report, err = a.Repair(cmd.Context())
				} else {
					report, err = a.Check(cmd.Context())
				}
				if err != nil {
					return err
				}
				if repair {
					fmt.Fprintf(cmd.OutOrStdout(), "repaired %d reference issues\n", fixed)
				}
				printCheck(cmd.OutOrStdout(), report)
				if !report.OK() {
					return partial("%d issues found", len(report.Issues))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "fix author and tag reference issues")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PID...",
		Short: "Move items to the trash",
		Long: `Removes the given items from the library in one transaction. They are kept
in the trash for thirty days; their files stay in the content store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, pids []string) error {
			return withApp(cmd, func(a *app.App) error {
				if err := a.Delete(cmd.Context(), pids...); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "moved %d items to the trash\n", len(pids))
				return err
			})
		},
	}
}

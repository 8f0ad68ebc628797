package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/app"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent upload sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return withExitCode(ExitUsage, fmt.Errorf("--limit must be positive, got %d", limit))
			}

			ctx := cmd.Context()
			rt, err := opts.initRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if clearAll {
				if err := rt.ClearHistory(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deployment history cleared.")

				return nil
			}

			sessions, err := rt.History(ctx, limit)
			if err != nil {
				return err
			}

			return writeHistory(cmd.OutOrStdout(), sessions, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", app.DefaultHistoryLimit, "number of sessions to list")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete all recorded sessions")

	return cmd
}

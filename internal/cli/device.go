package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/config"
	"github.com/skobkin/espdeploy/internal/transport"
)

func newProbeCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the device answers HTTP requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.initRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			host, err := requireHost(rt)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = config.Millis(rt.CurrentConfig().Restart.ProbeTimeoutMS)
			}

			res, err := rt.NewProber().Check(ctx, host, timeout)
			out := cmd.OutOrStdout()
			if err != nil {
				if errors.Is(err, transport.ErrConnectTimeout) {
					fmt.Fprintf(out, "%s %s did not answer within %s\n", colorFail("✗"), host, timeout)
				} else {
					fmt.Fprintf(out, "%s %s is unreachable\n", colorFail("✗"), host)
				}

				return withExitCode(ExitFailure, err)
			}
			fmt.Fprintf(out, "%s %s is reachable (%s)\n", colorOK("✓"), host, res.Detail)

			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "probe timeout (default restart.probe_timeout_ms)")

	return cmd
}

func newWaitRestartCommand(opts *globalOptions) *cobra.Command {
	var budget time.Duration

	cmd := &cobra.Command{
		Use:   "wait-restart",
		Short: "Wait for the device to go down and come back online",
		Long: `Wait-restart watches the device the same way a firmware deploy does: it looks for
the device going offline for a few attempts and then polls until it answers again
or the restart budget runs out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.initRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			host, err := requireHost(rt)
			if err != nil {
				return err
			}
			restartOpts := rt.RestartOptions()
			if budget > 0 {
				restartOpts.Budget = budget
			}

			stop := startRenderer(ctx, rt, cmd)
			defer stop()

			outcome := rt.NewRestartDetector().Watch(ctx, host, restartOpts)
			writeRestartSummary(cmd.OutOrStdout(), host, outcome.Restarted, outcome.Elapsed, outcome.Total, outcome.Err)
			if !outcome.Restarted {
				return withExitCode(ExitFailure, nil)
			}

			return nil
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "total time to wait (default restart.budget_ms)")

	return cmd
}

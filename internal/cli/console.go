package cli

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/transport"
)

func newMonitorCommand(opts *globalOptions) *cobra.Command {
	var (
		port string
		baud int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream the device's serial console",
		Long: `Monitor prints every line the device writes to its serial console and
reconnects when the port disappears, for example while the device reboots.
Lines typed on stdin are sent to the device.`,
		Example: `  espdeploy monitor --port /dev/ttyUSB0 --baud 115200`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.initRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			m, err := rt.NewConsoleMonitor(port, baud)
			if err != nil {
				return withExitCode(ExitUsage, err)
			}

			stop := startRenderer(ctx, rt, cmd)
			defer stop()
			m.Start(ctx)

			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if err := <-m.WriteLine(scanner.Text()); err != nil {
						rt.Logger("cli").Warn("send console line", "error", err)
					}
				}
			}()

			<-m.Done()

			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port (default serial.port)")
	cmd.Flags().IntVarP(&baud, "baud", "b", 0, "baud rate (default serial.baud)")

	return cmd
}

func newPortsCommand(_ *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found.")

				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}

			return nil
		},
	}
}

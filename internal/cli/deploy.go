package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/app"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/platform"
	"github.com/skobkin/espdeploy/internal/upload"
)

func newDeployCommand(opts *globalOptions) *cobra.Command {
	var (
		req     app.DeployRequest
		monitor bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload a firmware image, wait for the restart, then upload web files",
		Long: `Deploy uploads the firmware image (if given), waits for the device to restart,
and then uploads every file under the data directory (if given).

Web files are still uploaded when the firmware transfer fails, unless the device
rejected the upload password.`,
		Example: `  espdeploy deploy --host esp32.local --firmware .pio/build/esp32/firmware.bin --data backend/data
  espdeploy deploy --data backend/data --monitor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(req.FirmwarePath) == "" && strings.TrimSpace(req.DataDir) == "" {
				return withExitCode(ExitUsage, app.ErrNothingToDeploy)
			}

			return runDeploy(cmd, opts, req, monitor)
		},
	}
	cmd.Flags().StringVarP(&req.FirmwarePath, "firmware", "f", "", "firmware image to upload")
	cmd.Flags().StringVarP(&req.DataDir, "data", "d", "", "directory of web files to upload")
	cmd.Flags().BoolVar(&monitor, "monitor", false, "stream the serial console (serial.port) while deploying")

	return cmd
}

func runDeploy(cmd *cobra.Command, opts *globalOptions, req app.DeployRequest, monitor bool) error {
	ctx := cmd.Context()
	rt, err := opts.initRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	host, err := requireHost(rt)
	if err != nil {
		return err
	}
	release, err := acquireDeviceLock(rt, host)
	if err != nil {
		return err
	}
	defer release()

	req.Host = host
	req.Credential, err = newCredentialPrompt(cmd.ErrOrStderr()).resolve(rt.CurrentConfig().Device.UploadPassword, host)
	if err != nil {
		return err
	}

	stop := startRenderer(ctx, rt, cmd)
	defer stop()
	if monitor {
		stopMonitor, err := startConsoleMonitor(ctx, rt, "", 0)
		if err != nil {
			return err
		}
		defer stopMonitor()
	}

	res, err := rt.NewDeployer().Deploy(ctx, req)
	if err != nil {
		if errors.Is(err, app.ErrNothingToDeploy) {
			return withExitCode(ExitUsage, err)
		}

		return err
	}
	writeDeploySummary(cmd.OutOrStdout(), res)

	switch res.Deployment() {
	case app.DeploymentFull:
		return nil
	case app.DeploymentPartial:
		return withExitCode(ExitPartial, nil)
	default:
		return withExitCode(ExitFailure, nil)
	}
}

func newUploadCommand(opts *globalOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "upload PATH...",
		Short: "Upload files in a single session",
		Long: `Upload sends the given files to the device one at a time in a single session.
Directories are expanded to every file under them. A firmware upload takes
exactly one file and is followed by a restart watch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionKind, err := parseSessionKind(kind)
			if err != nil {
				return withExitCode(ExitUsage, err)
			}
			files, err := collectUploadFiles(args)
			if err != nil {
				return err
			}
			if sessionKind == connectors.SessionKindFirmware && len(files) != 1 {
				return withExitCode(ExitUsage, fmt.Errorf("firmware upload takes exactly one file, got %d", len(files)))
			}

			return runUpload(cmd, opts, sessionKind, files)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(connectors.SessionKindData), "session kind: data or firmware")

	return cmd
}

func runUpload(cmd *cobra.Command, opts *globalOptions, kind connectors.SessionKind, files []upload.File) error {
	ctx := cmd.Context()
	rt, err := opts.initRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	host, err := requireHost(rt)
	if err != nil {
		return err
	}
	release, err := acquireDeviceLock(rt, host)
	if err != nil {
		return err
	}
	defer release()

	credential, err := newCredentialPrompt(cmd.ErrOrStderr()).resolve(rt.CurrentConfig().Device.UploadPassword, host)
	if err != nil {
		return err
	}

	stop := startRenderer(ctx, rt, cmd)
	defer stop()

	rt.Logger("cli").Info("starting upload", "host", host, "kind", kind, "job", describeFiles(files))
	res := rt.NewCoordinator().Run(ctx, upload.Request{
		Kind:       kind,
		Host:       host,
		Credential: credential,
		Files:      files,
	})
	writeSessionSummary(cmd.OutOrStdout(), res)

	switch {
	case res.OK():
		return nil
	case res.Succeeded > 0:
		return withExitCode(ExitPartial, nil)
	default:
		return withExitCode(ExitFailure, nil)
	}
}

func parseSessionKind(raw string) (connectors.SessionKind, error) {
	switch connectors.SessionKind(strings.ToLower(strings.TrimSpace(raw))) {
	case connectors.SessionKindData:
		return connectors.SessionKindData, nil
	case connectors.SessionKindFirmware:
		return connectors.SessionKindFirmware, nil
	default:
		return "", fmt.Errorf("unknown session kind %q: use data or firmware", raw)
	}
}

// collectUploadFiles keeps the argument order; directories contribute their files in walk order.
func collectUploadFiles(paths []string) ([]upload.File, error) {
	var files []upload.File
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("upload path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, upload.FileFromPath(path))

			continue
		}
		dirFiles, err := upload.CollectDir(path)
		if err != nil {
			return nil, err
		}
		files = append(files, dirFiles...)
	}

	return files, nil
}

// acquireDeviceLock keeps a second espdeploy process away from the same device.
func acquireDeviceLock(rt *app.Runtime, host string) (func(), error) {
	lock, err := platform.AcquireDeployLock(app.Name, host)
	switch {
	case errors.Is(err, platform.ErrDeployLockUnsupported):
		rt.Logger("cli").Warn("deploy lock is not supported on this platform")

		return func() {}, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", host, err)
	}

	return func() {
		if err := lock.Release(); err != nil {
			rt.Logger("cli").Warn("release deploy lock", "error", err)
		}
	}, nil
}

// startRenderer logs live bus events until the returned func is called.
func startRenderer(ctx context.Context, rt *app.Runtime, cmd *cobra.Command) func() {
	renderCtx, cancel := context.WithCancel(ctx)
	done := newRenderer(rt.Logger("cli"), cmd.OutOrStdout()).Start(renderCtx, rt.Bus)

	return func() {
		cancel()
		<-done
	}
}

func startConsoleMonitor(ctx context.Context, rt *app.Runtime, port string, baud int) (func(), error) {
	m, err := rt.NewConsoleMonitor(port, baud)
	if err != nil {
		return nil, err
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	m.Start(monitorCtx)

	return func() {
		cancel()
		<-m.Done()
	}, nil
}

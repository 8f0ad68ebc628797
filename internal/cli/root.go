package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/app"
	"github.com/skobkin/espdeploy/internal/config"
)

// Exit codes returned by Execute.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPartial = 2
	ExitUsage   = 64
)

// exitError carries a specific process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}

	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	host       string
	password   string
	logLevel   string
	logFormat  string
	noColor    bool
}

// override applies flag values on top of the loaded config for this invocation.
func (o *globalOptions) override(cfg *config.AppConfig) {
	if host := strings.TrimSpace(o.host); host != "" {
		cfg.Device.Host = host
	}
	if o.password != "" {
		cfg.Device.UploadPassword = o.password
	}
	if level := strings.TrimSpace(o.logLevel); level != "" {
		cfg.Logging.Level = level
	}
	if format := strings.TrimSpace(o.logFormat); format != "" {
		cfg.Logging.Format = config.LogFormat(format)
	}
}

func (o *globalOptions) initRuntime(ctx context.Context, noHistory bool) (*app.Runtime, error) {
	color.NoColor = color.NoColor || o.noColor

	return app.Initialize(ctx, app.Options{
		ConfigFile: o.configFile,
		Override:   o.override,
		NoHistory:  noHistory,
	})
}

// requireHost returns the effective device host or a usage error.
func requireHost(rt *app.Runtime) (string, error) {
	host := strings.TrimSpace(rt.CurrentConfig().Device.Host)
	if host == "" {
		return "", withExitCode(ExitUsage, errors.New("device host is not set: pass --host or set device.host in config"))
	}

	return host, nil
}

// NewRootCommand builds the espdeploy command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           app.Name,
		Short:         "Deploy firmware and web files to ESP devices over the network",
		Version:       app.BuildVersionWithDate(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withExitCode(ExitUsage, err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is <user config dir>/espdeploy/config.json)")
	flags.StringVar(&opts.host, "host", "", "device host or IP, optionally with :port")
	flags.StringVar(&opts.password, "password", "", "upload password (prompted when unset and stdin is a terminal)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newDeployCommand(opts),
		newUploadCommand(opts),
		newProbeCommand(opts),
		newWaitRestartCommand(opts),
		newWatchCommand(opts),
		newMonitorCommand(opts),
		newPortsCommand(opts),
		newHistoryCommand(opts),
		newConfigCommand(opts),
	)

	return root
}

// Execute runs the command tree and maps the outcome to a process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(root.ErrOrStderr(), color.RedString("Error:"), exitErr.err)
		}

		return exitErr.code
	}
	fmt.Fprintln(root.ErrOrStderr(), color.RedString("Error:"), err)

	return ExitFailure
}

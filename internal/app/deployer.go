package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/upload"
)

// ErrNothingToDeploy is returned when a deploy request names neither firmware nor data.
var ErrNothingToDeploy = errors.New("nothing to deploy: no firmware image or data directory given")

// Deployment classifies the combined outcome of a deploy run.
type Deployment string

const (
	DeploymentFull    Deployment = "full"
	DeploymentPartial Deployment = "partial"
	DeploymentNone    Deployment = "none"
)

// Runner runs one upload session. *upload.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, req upload.Request) upload.Result
}

// DeployRequest describes one deploy run. Either path may be empty to skip that part.
type DeployRequest struct {
	Host         string
	Credential   string
	FirmwarePath string
	DataDir      string
}

// DeployResult carries the session results; a nil entry means the part was not run.
type DeployResult struct {
	Firmware *upload.Result
	Data     *upload.Result
	// DataSkipped explains why a requested data upload did not run.
	DataSkipped string
}

// Deployment reports full when every requested part went through, partial when
// at least one file landed, and none otherwise.
func (r DeployResult) Deployment() Deployment {
	requested, ok, anyUploaded := 0, 0, false
	for _, res := range []*upload.Result{r.Firmware, r.Data} {
		if res == nil {
			continue
		}
		requested++
		if res.OK() {
			ok++
		}
		if res.Succeeded > 0 {
			anyUploaded = true
		}
	}
	if r.DataSkipped != "" {
		requested++
	}

	switch {
	case requested > 0 && ok == requested:
		return DeploymentFull
	case anyUploaded:
		return DeploymentPartial
	default:
		return DeploymentNone
	}
}

// FirmwareRestarted reports whether the post-upload restart was confirmed.
func (r DeployResult) FirmwareRestarted() bool {
	return r.Firmware != nil && r.Firmware.Restart != nil && r.Firmware.Restart.Restarted
}

// Deployer sequences the firmware session (with its restart watch) and the
// web asset session against one device.
type Deployer struct {
	logger *slog.Logger
	runner Runner
}

func NewDeployer(logger *slog.Logger, runner Runner) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Deployer{logger: logger, runner: runner}
}

func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	var result DeployResult

	host := strings.TrimSpace(req.Host)
	if host == "" {
		return result, errors.New("device host is required")
	}
	firmwarePath := strings.TrimSpace(req.FirmwarePath)
	dataDir := strings.TrimSpace(req.DataDir)
	if firmwarePath == "" && dataDir == "" {
		return result, ErrNothingToDeploy
	}

	// Resolve inputs before touching the device so a typo fails fast.
	var (
		firmware upload.File
		data     []upload.File
	)
	if firmwarePath != "" {
		info, err := os.Stat(firmwarePath)
		if err != nil {
			return result, fmt.Errorf("firmware image: %w", err)
		}
		if info.IsDir() {
			return result, fmt.Errorf("firmware image %s is a directory", firmwarePath)
		}
		firmware = upload.FileFromPath(firmwarePath)
	}
	if dataDir != "" {
		files, err := upload.CollectDir(dataDir)
		if err != nil {
			return result, fmt.Errorf("data directory: %w", err)
		}
		data = files
	}

	if firmwarePath != "" {
		d.logger.Info("deploying firmware", "host", host, "file", firmware.Name)
		res := d.runner.Run(ctx, upload.Request{
			Kind:       connectors.SessionKindFirmware,
			Host:       host,
			Credential: req.Credential,
			Files:      []upload.File{firmware},
		})
		result.Firmware = &res
		if !res.OK() {
			d.logger.Error("firmware upload failed", "host", host, "error", firstError(res))
		}
	}

	if dataDir != "" {
		switch {
		case result.Firmware != nil && result.Firmware.Aborted:
			result.DataSkipped = "credentials rejected during firmware upload"
		case ctx.Err() != nil:
			result.DataSkipped = ctx.Err().Error()
		}
		if result.DataSkipped != "" {
			d.logger.Warn("skipping web files upload", "reason", result.DataSkipped)

			return result, nil
		}

		if len(data) == 0 {
			d.logger.Info("no files found in data directory", "dir", dataDir)
		} else {
			d.logger.Info("deploying web files", "host", host, "files", len(data))
		}
		res := d.runner.Run(ctx, upload.Request{
			Kind:       connectors.SessionKindData,
			Host:       host,
			Credential: req.Credential,
			Files:      data,
		})
		result.Data = &res
	}

	return result, nil
}

func firstError(res upload.Result) error {
	if res.Err != nil {
		return res.Err
	}
	for _, o := range res.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}

	return nil
}

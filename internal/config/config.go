package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogFormat selects the slog handler used for console and file output.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"

	DefaultSerialBaud    = 115200
	DefaultDashboardPath = "/ws"

	defaultProgressConnectTimeoutMS = 3000
	defaultRequestTimeoutMS         = 300000
	defaultRestartBudgetMS          = 60000
	defaultRestartPollIntervalMS    = 2000
	defaultInitialProbeTimeoutMS    = 3000
	defaultProbeTimeoutMS           = 3000
	defaultOfflineProbeTimeoutMS    = 2000
	defaultOfflineAttempts          = 10
	defaultOfflineIntervalMS        = 1000
	defaultPingIntervalMS           = 10000
	defaultPongTimeoutMS            = 6000
	defaultReconnectDelayMS         = 3000
)

// DeviceConfig identifies the target device and its upload credential.
type DeviceConfig struct {
	Host           string `json:"host"`
	UploadPassword string `json:"upload_password"`
}

// UploadConfig holds transfer and progress channel timeouts.
type UploadConfig struct {
	ProgressConnectTimeoutMS int `json:"progress_connect_timeout_ms"`
	RequestTimeoutMS         int `json:"request_timeout_ms"`
}

// RestartConfig tunes the post-firmware restart watch.
type RestartConfig struct {
	BudgetMS              int `json:"budget_ms"`
	PollIntervalMS        int `json:"poll_interval_ms"`
	InitialProbeTimeoutMS int `json:"initial_probe_timeout_ms"`
	ProbeTimeoutMS        int `json:"probe_timeout_ms"`
	OfflineProbeTimeoutMS int `json:"offline_probe_timeout_ms"`
	OfflineAttempts       int `json:"offline_attempts"`
	OfflineIntervalMS     int `json:"offline_interval_ms"`
}

// DashboardConfig tunes the dashboard keepalive connection.
type DashboardConfig struct {
	Path             string `json:"path"`
	PingIntervalMS   int    `json:"ping_interval_ms"`
	PongTimeoutMS    int    `json:"pong_timeout_ms"`
	ReconnectDelayMS int    `json:"reconnect_delay_ms"`
}

// SerialConfig stores the console port used by the monitor command.
type SerialConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string    `json:"level"`
	Format    LogFormat `json:"format"`
	LogToFile bool      `json:"log_to_file"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Device        DeviceConfig       `json:"device"`
	Upload        UploadConfig       `json:"upload"`
	Restart       RestartConfig      `json:"restart"`
	Dashboard     DashboardConfig    `json:"dashboard"`
	Serial        SerialConfig       `json:"serial"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Device: DeviceConfig{
			Host:           "",
			UploadPassword: "",
		},
		Upload: UploadConfig{
			ProgressConnectTimeoutMS: defaultProgressConnectTimeoutMS,
			RequestTimeoutMS:         defaultRequestTimeoutMS,
		},
		Restart: RestartConfig{
			BudgetMS:              defaultRestartBudgetMS,
			PollIntervalMS:        defaultRestartPollIntervalMS,
			InitialProbeTimeoutMS: defaultInitialProbeTimeoutMS,
			ProbeTimeoutMS:        defaultProbeTimeoutMS,
			OfflineProbeTimeoutMS: defaultOfflineProbeTimeoutMS,
			OfflineAttempts:       defaultOfflineAttempts,
			OfflineIntervalMS:     defaultOfflineIntervalMS,
		},
		Dashboard: DashboardConfig{
			Path:             DefaultDashboardPath,
			PingIntervalMS:   defaultPingIntervalMS,
			PongTimeoutMS:    defaultPongTimeoutMS,
			ReconnectDelayMS: defaultReconnectDelayMS,
		},
		Serial: SerialConfig{
			Port: "",
			Baud: DefaultSerialBaud,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    LogFormatText,
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or passed explicitly by the operator.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	c.Device.Host = strings.TrimSpace(c.Device.Host)

	fillPositive(&c.Upload.ProgressConnectTimeoutMS, defaultProgressConnectTimeoutMS)
	fillPositive(&c.Upload.RequestTimeoutMS, defaultRequestTimeoutMS)

	fillPositive(&c.Restart.BudgetMS, defaultRestartBudgetMS)
	fillPositive(&c.Restart.PollIntervalMS, defaultRestartPollIntervalMS)
	fillPositive(&c.Restart.InitialProbeTimeoutMS, defaultInitialProbeTimeoutMS)
	fillPositive(&c.Restart.ProbeTimeoutMS, defaultProbeTimeoutMS)
	fillPositive(&c.Restart.OfflineProbeTimeoutMS, defaultOfflineProbeTimeoutMS)
	fillPositive(&c.Restart.OfflineAttempts, defaultOfflineAttempts)
	fillPositive(&c.Restart.OfflineIntervalMS, defaultOfflineIntervalMS)

	if strings.TrimSpace(c.Dashboard.Path) == "" {
		c.Dashboard.Path = DefaultDashboardPath
	}
	fillPositive(&c.Dashboard.PingIntervalMS, defaultPingIntervalMS)
	fillPositive(&c.Dashboard.PongTimeoutMS, defaultPongTimeoutMS)
	fillPositive(&c.Dashboard.ReconnectDelayMS, defaultReconnectDelayMS)

	fillPositive(&c.Serial.Baud, DefaultSerialBaud)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeLogFormat(c.Logging.Format)
}

func fillPositive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func normalizeLogFormat(format LogFormat) LogFormat {
	switch LogFormat(strings.ToLower(strings.TrimSpace(string(format)))) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatText
	}
}

func (c AppConfig) Validate() error {
	if strings.ContainsAny(c.Device.Host, "/ ") {
		return fmt.Errorf("device host must be a bare host name or address: %q", c.Device.Host)
	}
	if c.Upload.ProgressConnectTimeoutMS <= 0 || c.Upload.RequestTimeoutMS <= 0 {
		return errors.New("upload timeouts must be positive")
	}
	if c.Restart.BudgetMS <= 0 {
		return errors.New("restart budget must be positive")
	}
	if c.Restart.PollIntervalMS <= 0 || c.Restart.OfflineIntervalMS <= 0 {
		return errors.New("restart intervals must be positive")
	}
	if c.Restart.InitialProbeTimeoutMS <= 0 || c.Restart.ProbeTimeoutMS <= 0 || c.Restart.OfflineProbeTimeoutMS <= 0 {
		return errors.New("restart probe timeouts must be positive")
	}
	if c.Restart.OfflineAttempts <= 0 {
		return errors.New("restart offline attempts must be positive")
	}
	if !strings.HasPrefix(c.Dashboard.Path, "/") {
		return fmt.Errorf("dashboard path must start with /: %q", c.Dashboard.Path)
	}
	if c.Dashboard.PingIntervalMS <= 0 || c.Dashboard.PongTimeoutMS <= 0 || c.Dashboard.ReconnectDelayMS <= 0 {
		return errors.New("dashboard keepalive timings must be positive")
	}
	if c.Serial.Baud <= 0 {
		return errors.New("serial baud must be positive")
	}
	switch c.Logging.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c UploadConfig) ProgressConnectTimeout() time.Duration {
	return Millis(c.ProgressConnectTimeoutMS)
}

func (c UploadConfig) RequestTimeout() time.Duration {
	return Millis(c.RequestTimeoutMS)
}

func (c DashboardConfig) PingInterval() time.Duration {
	return Millis(c.PingIntervalMS)
}

func (c DashboardConfig) PongTimeout() time.Duration {
	return Millis(c.PongTimeoutMS)
}

func (c DashboardConfig) ReconnectDelay() time.Duration {
	return Millis(c.ReconnectDelayMS)
}

package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

type notifyFunc func(title, message string, icon any) error

// DesktopSender delivers notifications through the OS notification service.
// Failures use beeep's alert variant, which also plays the system sound.
type DesktopSender struct {
	logger *slog.Logger
	notify notifyFunc
	alert  notifyFunc
}

func NewDesktopSender(appName string, logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}
	if name := strings.TrimSpace(appName); name != "" {
		beeep.AppName = name
	}

	return &DesktopSender{
		logger: logger,
		notify: beeep.Notify,
		alert:  beeep.Alert,
	}
}

func (s *DesktopSender) Send(payload Payload) {
	if s == nil {
		return
	}

	title := strings.TrimSpace(payload.Title)
	content := strings.TrimSpace(payload.Content)
	if title == "" && content == "" {
		return
	}

	deliver := s.notify
	if payload.Failure && s.alert != nil {
		deliver = s.alert
	}
	if deliver == nil {
		return
	}

	// A missing notification daemon must not fail a deployment.
	if err := deliver(title, content, ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "failure", payload.Failure, "error", err)
	}
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/config"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/domain"
	"github.com/skobkin/espdeploy/internal/notifications"
)

const (
	notificationTitleRestarted    = "Device restarted"
	notificationTitleNotRestarted = "Restart not confirmed"
)

// NotificationService listens to bus events and emits user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	sessionSub := s.bus.Subscribe(connectors.TopicSessionStatus)
	restartSub := s.bus.Subscribe(connectors.TopicRestartStatus)

	go func() {
		defer s.bus.Unsubscribe(sessionSub, connectors.TopicSessionStatus)
		defer s.bus.Unsubscribe(restartSub, connectors.TopicRestartStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sessionSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.SessionStatus)
				if !ok {
					continue
				}
				s.handleSessionStatus(status)
			case raw, ok := <-restartSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.RestartStatus)
				if !ok {
					continue
				}
				s.handleRestartStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleSessionStatus(status connectors.SessionStatus) {
	if !s.enabled() {
		return
	}
	session := domain.SessionFromStatus(status)
	outcome := session.Outcome()
	if outcome == domain.DeployOutcomeEmpty {
		return
	}

	s.send(notifications.Payload{
		Title:   sessionTitle(session.Kind, outcome),
		Content: sessionContent(session),
		Failure: outcome != domain.DeployOutcomeComplete,
	})
}

func (s *NotificationService) handleRestartStatus(status connectors.RestartStatus) {
	if !status.Final || !s.enabled() {
		return
	}

	host := strings.TrimSpace(status.Host)
	if status.Restarted {
		s.send(notifications.Payload{
			Title:   notificationTitleRestarted,
			Content: fmt.Sprintf("%s is back online after %s", host, status.Elapsed.Round(time.Second)),
		})

		return
	}

	details := fmt.Sprintf("%s did not come back within %s", host, status.Total.Round(time.Second))
	if errText := strings.TrimSpace(status.Err); errText != "" {
		details = fmt.Sprintf("%s (error: %s)", details, errText)
	}
	s.send(notifications.Payload{
		Title:   notificationTitleNotRestarted,
		Content: details,
		Failure: true,
	})
}

func (s *NotificationService) enabled() bool {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications.Enabled
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
		Failure: notification.Failure,
	})
}

func sessionTitle(kind connectors.SessionKind, outcome domain.DeployOutcome) string {
	what := "Web files"
	if kind == connectors.SessionKindFirmware {
		what = "Firmware"
	}

	switch outcome {
	case domain.DeployOutcomeComplete:
		return what + " uploaded"
	case domain.DeployOutcomePartial:
		return what + " partially uploaded"
	case domain.DeployOutcomeAborted:
		return what + " upload aborted"
	default:
		return what + " upload failed"
	}
}

func sessionContent(session domain.DeploySession) string {
	host := strings.TrimSpace(session.Host)
	if host == "" {
		host = "device"
	}
	content := fmt.Sprintf("%s: %d/%d files", host, session.Succeeded, session.Planned)
	if session.Aborted {
		content += " (invalid credentials)"
	}

	return content
}

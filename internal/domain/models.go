package domain

import (
	"time"

	"github.com/skobkin/espdeploy/internal/connectors"
)

// DeployOutcome classifies a finished session for history and notifications.
type DeployOutcome string

const (
	DeployOutcomeComplete DeployOutcome = "complete"
	DeployOutcomePartial  DeployOutcome = "partial"
	DeployOutcomeFailed   DeployOutcome = "failed"
	DeployOutcomeAborted  DeployOutcome = "aborted"
	DeployOutcomeEmpty    DeployOutcome = "empty"
)

type DeploySession struct {
	Token             string
	Kind              connectors.SessionKind
	Host              string
	StartedAt         time.Time
	FinishedAt        time.Time
	Planned           int
	Succeeded         int
	Failed            int
	Aborted           bool
	ProgressAvailable bool
	ErrorText         string
	Restart           *RestartRecord
	Files             []DeployFile
}

type DeployFile struct {
	Index      int
	Name       string
	Succeeded  bool
	StatusCode int
	ErrorText  string
}

// RestartRecord is the persisted form of a restart watch result.
type RestartRecord struct {
	Restarted  bool
	SawOffline bool
	Attempts   int
	Elapsed    time.Duration
	Total      time.Duration
	ErrorText  string
}

// SessionFromStatus converts a bus session summary into its stored form.
func SessionFromStatus(status connectors.SessionStatus) DeploySession {
	s := DeploySession{
		Token:             status.Token,
		Kind:              status.Kind,
		Host:              status.Host,
		StartedAt:         status.StartedAt,
		FinishedAt:        status.FinishedAt,
		Planned:           status.Planned,
		Succeeded:         status.Succeeded,
		Failed:            status.Failed,
		Aborted:           status.Aborted,
		ProgressAvailable: status.ProgressAvailable,
		ErrorText:         status.Err,
	}
	for _, f := range status.Files {
		s.Files = append(s.Files, DeployFile{
			Index:      f.Index,
			Name:       f.File,
			Succeeded:  f.Succeeded,
			StatusCode: f.StatusCode,
			ErrorText:  f.Err,
		})
	}
	if status.Restart != nil {
		s.Restart = &RestartRecord{
			Restarted:  status.Restart.Restarted,
			SawOffline: status.Restart.SawOffline,
			Attempts:   status.Restart.Attempts,
			Elapsed:    status.Restart.Elapsed,
			Total:      status.Restart.Total,
			ErrorText:  status.Restart.Err,
		}
	}

	return s
}

// Outcome reports how the session ended. A session stopped by a context error
// before every file was attempted counts as failed.
func (s DeploySession) Outcome() DeployOutcome {
	switch {
	case s.Aborted:
		return DeployOutcomeAborted
	case s.Planned == 0:
		return DeployOutcomeEmpty
	case s.Succeeded == s.Planned && s.Failed == 0 && s.ErrorText == "":
		return DeployOutcomeComplete
	case s.Succeeded > 0:
		return DeployOutcomePartial
	default:
		return DeployOutcomeFailed
	}
}

func (s DeploySession) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.Before(s.StartedAt) {
		return 0
	}

	return s.FinishedAt.Sub(s.StartedAt)
}

package upload

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/device"
	"github.com/skobkin/espdeploy/internal/progress"
	"github.com/skobkin/espdeploy/internal/transport"
)

const progressPath = "/ws"

// ProgressSource is the part of a progress channel the coordinator uses.
type ProgressSource interface {
	OnMessage(h progress.Handler)
	Close() error
}

// ProgressOpener opens the session's progress channel. Failure is not fatal.
type ProgressOpener func(ctx context.Context, s Session) (ProgressSource, error)

// Restarter waits for the device to come back after a firmware transfer.
type Restarter interface {
	Watch(ctx context.Context, host string, opts device.RestartOptions) device.RestartOutcome
}

// WebSocketProgress opens progress channels on ws://<host>/ws with the session cookie.
func WebSocketProgress(logger *slog.Logger, pub bus.Publisher, timeout time.Duration) ProgressOpener {
	return func(ctx context.Context, s Session) (ProgressSource, error) {
		header := http.Header{}
		header.Set("Cookie", s.Cookie())
		tr := transport.NewWSTransport(s.Host, progressPath, header)
		tr.SetHandshakeTimeout(timeout)

		ch, err := progress.Open(ctx, logger, pub, tr, timeout)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// Request is what the deploy layer hands to the coordinator.
type Request struct {
	Kind       connectors.SessionKind
	Host       string
	Credential string
	Files      []File
}

// Outcome is the result of one file transfer.
type Outcome struct {
	Name       string
	Index      int
	Succeeded  bool
	StatusCode int
	Err        error
}

// Result aggregates a session. Aborted is set only on a credential rejection.
type Result struct {
	Token             string
	Kind              connectors.SessionKind
	Host              string
	Planned           int
	StartedAt         time.Time
	FinishedAt        time.Time
	Outcomes          []Outcome
	Succeeded         int
	Failed            int
	Aborted           bool
	ProgressAvailable bool
	Restart           *device.RestartOutcome
	Err               error
}

// OK reports a session where every file was transferred.
func (r Result) OK() bool {
	return r.Err == nil && !r.Aborted && r.Failed == 0
}

type cursor struct {
	name  string
	index int
	count int
}

// Coordinator runs upload sessions. Files go strictly one at a time.
type Coordinator struct {
	logger      *slog.Logger
	pub         bus.Publisher
	sender      Sender
	progress    ProgressOpener
	restarter   Restarter
	restartOpts device.RestartOptions
	now         func() time.Time
	newSession  func(host, credential string) (Session, error)
}

func NewCoordinator(logger *slog.Logger, pub bus.Publisher, sender Sender, progressOpener ProgressOpener, restarter Restarter, restartOpts device.RestartOptions) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = bus.Nop{}
	}

	return &Coordinator{
		logger:      logger,
		pub:         pub,
		sender:      sender,
		progress:    progressOpener,
		restarter:   restarter,
		restartOpts: restartOpts,
		now:         time.Now,
		newSession:  NewSession,
	}
}

func (c *Coordinator) Run(ctx context.Context, req Request) Result {
	res := Result{
		Kind:      req.Kind,
		Host:      req.Host,
		Planned:   len(req.Files),
		StartedAt: c.now(),
	}
	logger := c.logger.With("kind", req.Kind, "host", req.Host)

	if len(req.Files) == 0 {
		logger.Info("nothing to upload")
		res.FinishedAt = c.now()
		c.publishSession(res)

		return res
	}

	sess, err := c.newSession(req.Host, req.Credential)
	if err != nil {
		res.Err = err
		res.FinishedAt = c.now()
		c.publishSession(res)

		return res
	}
	res.Token = sess.Token
	logger = logger.With("session", sess.Token)

	var current atomic.Pointer[cursor]
	closeProgress := func() {}
	if c.progress != nil {
		source, err := c.progress(ctx, sess)
		if err != nil {
			logger.Warn("continuing without progress tracking", "error", err)
		} else {
			res.ProgressAvailable = true
			source.OnMessage(func(u progress.Update) {
				cur := current.Load()
				if cur == nil || !u.IsUploadProgress() {
					return
				}
				c.publishProgress(sess.Token, req.Kind, *cur, u.Loaded, u.Total, u.Percent())
			})
			closeProgress = func() {
				if err := source.Close(); err != nil {
					logger.Debug("close progress channel", "error", err)
				}
			}
		}
	}

	count := len(req.Files)
	for i, f := range req.Files {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		cur := cursor{name: f.Name, index: i + 1, count: count}
		current.Store(&cur)
		c.publishProgress(sess.Token, req.Kind, cur, 0, 0, 0)
		logger.Info("uploading", "file", f.Name, "index", cur.index, "count", count)

		err := c.sender.Send(ctx, sess, f)
		outcome := Outcome{
			Name:       f.Name,
			Index:      cur.index,
			Succeeded:  err == nil,
			StatusCode: StatusCode(err),
			Err:        err,
		}
		res.Outcomes = append(res.Outcomes, outcome)
		c.publishOutcome(sess.Token, req.Kind, count, outcome)

		if err == nil {
			res.Succeeded++
			logger.Info("uploaded", "file", f.Name)
			continue
		}
		res.Failed++
		if errors.Is(err, ErrUnauthorized) {
			res.Aborted = true
			logger.Error("upload aborted: invalid credentials", "file", f.Name, "error", err)
			break
		}
		logger.Error("upload failed", "file", f.Name, "error", err)
	}
	current.Store(nil)
	closeProgress()

	if req.Kind == connectors.SessionKindFirmware && count == 1 && res.Succeeded == 1 && c.restarter != nil {
		logger.Info("firmware uploaded, waiting for device restart")
		outcome := c.restarter.Watch(ctx, req.Host, c.restartOpts)
		res.Restart = &outcome
		if outcome.Restarted {
			logger.Info("device restarted", "elapsed", outcome.Elapsed.Round(time.Second))
		} else {
			logger.Warn("device restart not confirmed", "error", outcome.Err)
		}
	}

	res.FinishedAt = c.now()
	c.publishSession(res)
	if res.Failed > 0 {
		logger.Warn("session finished with failures", "succeeded", res.Succeeded, "failed", res.Failed, "aborted", res.Aborted)
	} else {
		logger.Info("session finished", "succeeded", res.Succeeded)
	}

	return res
}

func (c *Coordinator) publishProgress(token string, kind connectors.SessionKind, cur cursor, loaded, total int64, percent int) {
	c.pub.Publish(connectors.TopicUploadProgress, connectors.UploadProgress{
		Token:   token,
		Kind:    kind,
		File:    cur.name,
		Index:   cur.index,
		Count:   cur.count,
		Loaded:  loaded,
		Total:   total,
		Percent: percent,
	})
}

func (c *Coordinator) publishOutcome(token string, kind connectors.SessionKind, count int, o Outcome) {
	c.pub.Publish(connectors.TopicTransferOutcome, transferOutcome(token, kind, count, o))
}

func (c *Coordinator) publishSession(res Result) {
	c.pub.Publish(connectors.TopicSessionStatus, res.Status())
}

// Status converts the result to its bus form.
func (r Result) Status() connectors.SessionStatus {
	status := connectors.SessionStatus{
		Token:             r.Token,
		Kind:              r.Kind,
		Host:              r.Host,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		Planned:           r.Planned,
		Succeeded:         r.Succeeded,
		Failed:            r.Failed,
		Aborted:           r.Aborted,
		ProgressAvailable: r.ProgressAvailable,
	}
	for _, o := range r.Outcomes {
		status.Files = append(status.Files, transferOutcome(r.Token, r.Kind, r.Planned, o))
	}
	if r.Restart != nil {
		restart := r.Restart.Status(r.Host)
		status.Restart = &restart
	}
	if r.Err != nil {
		status.Err = r.Err.Error()
	}

	return status
}

func transferOutcome(token string, kind connectors.SessionKind, count int, o Outcome) connectors.TransferOutcome {
	out := connectors.TransferOutcome{
		Token:      token,
		Kind:       kind,
		File:       o.Name,
		Index:      o.Index,
		Count:      count,
		Succeeded:  o.Succeeded,
		StatusCode: o.StatusCode,
	}
	if o.Err != nil {
		out.Err = o.Err.Error()
	}

	return out
}

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
)

// ErrRestartNotConfirmed means the device did not answer again within the budget.
var ErrRestartNotConfirmed = errors.New("restart not confirmed")

// ProbeFunc performs a single liveness probe.
type ProbeFunc func(ctx context.Context, host string, timeout time.Duration) ProbeResult

type Phase string

const (
	PhaseWaitingForOffline Phase = "waiting_for_offline"
	PhaseWaitingForOnline  Phase = "waiting_for_online"
)

// RestartOptions tune a restart watch. Zero fields take the defaults.
type RestartOptions struct {
	Budget          time.Duration
	PollInterval    time.Duration
	InitialTimeout  time.Duration
	OfflineAttempts int
	OfflineInterval time.Duration
	OfflineTimeout  time.Duration
	OnlineTimeout   time.Duration
}

func DefaultRestartOptions() RestartOptions {
	return RestartOptions{
		Budget:          60 * time.Second,
		PollInterval:    2 * time.Second,
		InitialTimeout:  3 * time.Second,
		OfflineAttempts: 10,
		OfflineInterval: time.Second,
		OfflineTimeout:  2 * time.Second,
		OnlineTimeout:   3 * time.Second,
	}
}

func (o RestartOptions) withDefaults() RestartOptions {
	def := DefaultRestartOptions()
	if o.Budget <= 0 {
		o.Budget = def.Budget
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = def.InitialTimeout
	}
	if o.OfflineAttempts < 0 {
		o.OfflineAttempts = 0
	}
	if o.OfflineInterval <= 0 {
		o.OfflineInterval = def.OfflineInterval
	}
	if o.OfflineTimeout <= 0 {
		o.OfflineTimeout = def.OfflineTimeout
	}
	if o.OnlineTimeout <= 0 {
		o.OnlineTimeout = def.OnlineTimeout
	}

	return o
}

// RestartOutcome is the terminal result of a watch.
// Elapsed runs from the first unreachable observation (or the watch start when
// none was seen) to the reachable probe; Total runs from the watch start.
type RestartOutcome struct {
	Restarted  bool
	Elapsed    time.Duration
	Total      time.Duration
	Attempts   int
	SawOffline bool
	Err        error
}

// Status converts the outcome to its bus form.
func (o RestartOutcome) Status(host string) connectors.RestartStatus {
	status := connectors.RestartStatus{
		Host:       host,
		Attempts:   o.Attempts,
		SawOffline: o.SawOffline,
		Restarted:  o.Restarted,
		Elapsed:    o.Elapsed,
		Total:      o.Total,
		Final:      true,
		Timestamp:  time.Now(),
	}
	if o.Err != nil {
		status.Err = o.Err.Error()
	}

	return status
}

// RestartDetector confirms a reboot by watching for an offline to online transition.
type RestartDetector struct {
	logger *slog.Logger
	pub    bus.Publisher
	probe  ProbeFunc
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRestartDetector(logger *slog.Logger, pub bus.Publisher, probe ProbeFunc) *RestartDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = bus.Nop{}
	}

	return &RestartDetector{
		logger: logger,
		pub:    pub,
		probe:  probe,
		now:    time.Now,
		sleep:  sleepWithContext,
	}
}

// Watch blocks until the device is seen back online, the budget runs out or ctx ends.
//
// When the device still answers at the start, up to OfflineAttempts probes look
// for it going down; if it never does, the watch moves on anyway because a fast
// reboot can fall between two probes.
func (d *RestartDetector) Watch(ctx context.Context, host string, opts RestartOptions) RestartOutcome {
	opts = opts.withDefaults()
	logger := d.logger.With("host", host)

	start := d.now()
	var out RestartOutcome
	offlineAt := start

	finish := func(o RestartOutcome) RestartOutcome {
		d.pub.Publish(connectors.TopicRestartStatus, o.Status(host))

		return o
	}
	probe := func(phase Phase, timeout time.Duration) ProbeResult {
		res := d.probe(ctx, host, timeout)
		out.Attempts++
		logger.Debug("restart probe", "phase", phase, "attempt", out.Attempts, "state", res.State, "detail", res.Detail)
		d.pub.Publish(connectors.TopicRestartStatus, connectors.RestartStatus{
			Host:       host,
			Phase:      string(phase),
			Attempts:   out.Attempts,
			SawOffline: out.SawOffline || !res.Reachable(),
			Timestamp:  d.now(),
		})

		return res
	}
	markOffline := func() {
		if !out.SawOffline {
			out.SawOffline = true
			offlineAt = d.now()
		}
	}
	cancelled := func(err error) RestartOutcome {
		out.Total = d.now().Sub(start)
		out.Err = err

		return finish(out)
	}

	if probe(PhaseWaitingForOffline, opts.InitialTimeout).Reachable() {
		logger.Info("device online, waiting for it to go down")
		for i := 0; i < opts.OfflineAttempts && !out.SawOffline; i++ {
			if d.now().Sub(start) >= opts.Budget {
				break
			}
			if err := d.sleep(ctx, opts.OfflineInterval); err != nil {
				return cancelled(err)
			}
			if !probe(PhaseWaitingForOffline, opts.OfflineTimeout).Reachable() {
				markOffline()
			}
		}
		if !out.SawOffline {
			logger.Debug("device never observed offline", "attempts", opts.OfflineAttempts)
		}
	} else {
		markOffline()
	}
	if out.SawOffline {
		logger.Info("device offline, waiting for restart")
	}

	for {
		elapsed := d.now().Sub(start)
		remaining := opts.Budget - elapsed
		if remaining <= 0 {
			out.Total = elapsed
			out.Err = fmt.Errorf("%w within %s", ErrRestartNotConfirmed, opts.Budget)
			logger.Warn("restart not confirmed", "budget", opts.Budget, "attempts", out.Attempts)

			return finish(out)
		}
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		res := probe(PhaseWaitingForOnline, min(opts.OnlineTimeout, remaining))
		if res.Reachable() {
			now := d.now()
			out.Restarted = true
			out.Elapsed = now.Sub(offlineAt)
			out.Total = now.Sub(start)
			logger.Info("device back online", "elapsed", out.Elapsed, "attempts", out.Attempts)

			return finish(out)
		}
		markOffline()

		wait := min(opts.PollInterval, opts.Budget-d.now().Sub(start))
		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return cancelled(err)
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

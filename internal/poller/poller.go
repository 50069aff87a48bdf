// Package poller runs scheduled collection cycles: fetch from a source,
// transform through an action chain and hand the result to dispatch.
package poller

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/edgetel/internal/actions"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/schedule"
	"codeberg.org/mutker/edgetel/internal/source"
	"codeberg.org/mutker/edgetel/internal/telemetry"
)

const DefaultFetchTimeout = 30 * time.Second

// Dispatcher receives the event produced by each successful cycle.
type Dispatcher interface {
	Dispatch(ev event.DataEvent)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ev event.DataEvent)

func (f DispatchFunc) Dispatch(ev event.DataEvent) { f(ev) }

// Config describes one poller. Exactly one of Schedule or Interval is set.
type Config struct {
	Namespace    string
	Name         string
	Schedule     *schedule.Schedule
	Interval     time.Duration
	UseUTC       bool
	Source       source.Source
	Endpoints    []source.Endpoint
	Chain        *actions.Chain
	FetchTimeout time.Duration
}

// Validate checks the timing configuration.
func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Schedule != nil && c.Interval > 0:
		return errFactory.WithMessagef(errors.ErrSchedule, "poller %q: schedule and interval are mutually exclusive", c.Name)
	case c.Schedule == nil && c.Interval <= 0:
		return errFactory.WithMessagef(errors.ErrSchedule, "poller %q: schedule or interval required", c.Name)
	case c.Schedule != nil:
		if err := c.Schedule.Validate(); err != nil {
			return errFactory.Wrapf(errors.ErrSchedule, err, "poller %q", c.Name)
		}
	}
	if c.Source == nil {
		return errFactory.WithMessagef(errors.ErrInvalidDeclaration, "poller %q: no source", c.Name)
	}

	return nil
}

type Option func(*Poller)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithLocation sets the location schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(p *Poller) { p.loc = loc }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(p *Poller) { p.metrics = telemetry.OrNop(r) }
}

// Poller owns one timer and at most one running cycle. Fires that arrive
// while a cycle is running are skipped.
type Poller struct {
	cfg      Config
	dispatch Dispatcher
	calc     *schedule.Calculator
	loc      *time.Location
	now      func() time.Time
	metrics  telemetry.Recorder
	log      logger.Logger

	inProgress atomic.Bool
	latest     atomic.Pointer[event.DataEvent]

	mu      sync.Mutex
	timer   *time.Timer
	next    time.Time
	started bool
	stopped bool
}

func New(cfg Config, d Dispatcher, opts ...Option) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	p := &Poller{
		cfg:      cfg,
		dispatch: d,
		now:      time.Now,
		metrics:  telemetry.Nop(),
		log: logger.Component("poller").
			With("namespace", cfg.Namespace).
			With("poller", cfg.Name),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.calc = schedule.NewCalculator(p.loc, Seed(cfg.Namespace, cfg.Name))

	return p, nil
}

// Seed derives a stable calculator seed from a poller's identity.
func Seed(namespace, name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{'/'})
	h.Write([]byte(name))
	return h.Sum64()
}

func (p *Poller) Name() string      { return p.cfg.Name }
func (p *Poller) Namespace() string { return p.cfg.Namespace }

// Start arms the first cycle. Interval pollers fire immediately; scheduled
// pollers may fire inside a window that is already open.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New().WithMessagef(errors.ErrInvalidArgument, "poller %q is stopped", p.cfg.Name)
	}
	if p.started {
		return nil
	}
	p.started = true

	return p.armLocked(true)
}

// Stop cancels the pending timer. A running cycle finishes on its own but
// does not re-arm.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Trigger starts a cycle now unless one is running. It reports whether a
// cycle was started.
func (p *Poller) Trigger() bool {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped || !p.begin() {
		return false
	}

	go p.runCycle()

	return true
}

// Latest returns the most recent successful cycle result.
func (p *Poller) Latest() (event.DataEvent, bool) {
	ev := p.latest.Load()
	if ev == nil {
		return event.DataEvent{}, false
	}
	return *ev, true
}

// NextFire returns the instant the pending timer fires at.
func (p *Poller) NextFire() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Running reports whether a cycle is in progress.
func (p *Poller) Running() bool {
	return p.inProgress.Load()
}

func (p *Poller) fire() {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped || !p.begin() {
		return
	}
	p.runCycle()
}

func (p *Poller) begin() bool {
	if p.inProgress.CompareAndSwap(false, true) {
		return true
	}
	p.metrics.PollSkipped(p.cfg.Namespace, p.cfg.Name)
	p.log.Debug().Msg("Cycle in progress, skipping")
	return false
}

func (p *Poller) runCycle() {
	defer func() {
		p.inProgress.Store(false)

		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.armLocked(false); err != nil {
			p.log.ErrorWithCode(err).Msg("Failed to schedule next cycle")
		}
	}()

	p.cycle()
}

func (p *Poller) cycle() {
	start := p.now()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	defer cancel()

	raw, err := source.Collect(ctx, p.cfg.Source, p.cfg.Endpoints)
	if err != nil {
		p.metrics.PollCycle(p.cfg.Namespace, p.cfg.Name, telemetry.ResultFailure, p.now().Sub(start))
		p.log.WarnWithCode(err).Msg("Poll cycle failed")
		return
	}

	payload := p.cfg.Chain.Apply(raw)
	ev := event.New(start, event.SourcePoller, p.cfg.Namespace, p.cfg.Name, payload, map[string]string{
		"namespace": p.cfg.Namespace,
		"poller":    p.cfg.Name,
	})

	p.latest.Store(&ev)
	if p.dispatch != nil {
		p.dispatch.Dispatch(ev)
	}

	p.metrics.PollCycle(p.cfg.Namespace, p.cfg.Name, telemetry.ResultSuccess, p.now().Sub(start))
	p.log.Debug().Msg("Poll cycle completed")
}

func (p *Poller) armLocked(initial bool) error {
	if p.stopped {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	now := p.now()

	var next time.Time
	if p.cfg.Schedule != nil {
		var err error
		next, err = p.calc.Next(*p.cfg.Schedule, now, initial, p.cfg.UseUTC)
		if err != nil {
			return err
		}
	} else {
		next = now.Add(p.cfg.Interval)
		if initial {
			next = now
		}
	}

	p.next = next
	p.timer = time.AfterFunc(next.Sub(now), p.fire)

	return nil
}

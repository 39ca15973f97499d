package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every trigger. It should hand long work off and
// return quickly; the next trigger is computed after it returns.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour. Set Interval for a periodic trigger or
// Daily for a once-a-day trigger at Hour:Minute in Location.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration

	Daily    bool
	Hour     int
	Minute   int
	Location *time.Location
}

// Scheduler drives periodic or daily execution of jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Daily {
		if opts.Hour < 0 || opts.Hour > 23 || opts.Minute < 0 || opts.Minute > 59 {
			return nil, errors.New("scheduler daily time out of range")
		}
		if opts.Location == nil {
			opts.Location = time.UTC
		}
	} else if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    time.Now,
	}, nil
}

// Run blocks, invoking tick at each trigger until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next", next).Msg("waiting for next trigger")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		at := s.bucketStart(next)
		s.logger.Debug().Time("at", at).Msg("trigger fired")

		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("trigger failed")
		}

		next = s.advance(next)
	}
}

// Next reports when the scheduler would fire after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.nextTick(now)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if s.opts.Daily {
		local := now.In(s.opts.Location)
		at := time.Date(local.Year(), local.Month(), local.Day(), s.opts.Hour, s.opts.Minute, 0, 0, s.opts.Location)
		if !at.After(local) {
			at = time.Date(local.Year(), local.Month(), local.Day()+1, s.opts.Hour, s.opts.Minute, 0, 0, s.opts.Location)
		}
		return at
	}
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) advance(prev time.Time) time.Time {
	if s.opts.Daily {
		// recompute to follow DST shifts
		return s.nextTick(prev)
	}
	return prev.Add(s.opts.Interval)
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if s.opts.Daily || !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

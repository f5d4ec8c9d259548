// Package sweeper expires stale waiting tokens on a cron schedule.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "@every 5m"

type Expirer interface {
	ExpireStaleTokens(ctx context.Context, asOf time.Time) (int, error)
}

type Sweeper struct {
	expirer Expirer
	cron    *cron.Cron
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type Options struct {
	Schedule string
	Location *time.Location
	// Timeout bounds a single sweep run.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

func New(expirer Expirer, opts Options) (*Sweeper, error) {
	s := &Sweeper{
		expirer: expirer,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = time.Minute
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "sweeper: invalid schedule %q", schedule)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("expiry sweeper started", "entries", len(s.cron.Entries()))
}

// Stop prevents further runs and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("expiry sweeper stop timed out")
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.expirer.ExpireStaleTokens(ctx, s.now())
	if err != nil {
		s.logger.Error("expiry sweep failed", "expired", n, "error", err)
		return n, err
	}
	s.logger.Info("expiry sweep finished", "expired", n)
	return n, nil
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/coffee-change/internal/logging"
	"github.com/robfig/cron/v3"
)

// UserSweeper settles every user with pending round-ups
type UserSweeper interface {
	SettleAllUsers(ctx context.Context) (int, error)
}

// Sweeper periodically settles whatever the queue missed: entries dropped
// on a full queue, failed broadcasts and claims whose lease expired
type Sweeper struct {
	cron    *cron.Cron
	target  UserSweeper
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper schedules target on spec, a standard cron expression or a
// descriptor such as "@every 10m". Each run is bounded by timeout.
func NewSweeper(target UserSweeper, spec string, timeout time.Duration) (*Sweeper, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{logging.WithField("component", "settlement_sweeper")}

	s := &Sweeper{
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger))),
		target:  target,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(spec, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling
func (s *Sweeper) Start() {
	s.cron.Start()
	logging.Info("settlement sweeper started")
}

// Stop halts scheduling and waits for a running sweep, up to ctx
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		logging.Info("settlement sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep and returns the number of users processed
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	users, err := s.target.SettleAllUsers(ctx)
	logger := logging.WithFields(map[string]interface{}{
		"users":    users,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		logger.WithError(err).Error("settlement sweep failed")
		return users, err
	}
	logger.Info("settlement sweep finished")
	return users, nil
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

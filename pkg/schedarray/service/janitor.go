// Package service – janitor.go runs the retention cleanup on a cron
// schedule while the service is up, deleting old terminal jobs so the
// queue file does not grow without bound.
package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// startJanitor registers the scheduled cleanup when one is configured.
func (s *Service) startJanitor() error {
	if s.cfg.CleanupSchedule == "" {
		return nil
	}

	states, err := janitorStates(s.cfg.CleanupStates)
	if err != nil {
		return err
	}
	var olderThan *int
	if s.cfg.CleanupOlderThanDays > 0 {
		days := s.cfg.CleanupOlderThanDays
		olderThan = &days
	}

	c := cron.New()
	_, err = c.AddFunc(s.cfg.CleanupSchedule, func() {
		n, err := s.sched.Cleanup(states, olderThan)
		if err != nil {
			s.logger.Error("scheduled cleanup failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("scheduled cleanup removed jobs",
				"count", n,
				"states", states,
				"older_than_days", s.cfg.CleanupOlderThanDays,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cfg.CleanupSchedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("cleanup janitor started", "schedule", s.cfg.CleanupSchedule)
	return nil
}

// stopJanitor stops the cron runner and waits briefly for an in-flight
// cleanup to finish.
func (s *Service) stopJanitor() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("janitor stop timed out")
	}
	s.cron = nil
}

// janitorStates resolves the configured state names, defaulting to the
// three states the manual cleanup command defaults to.
func janitorStates(names []string) ([]scheduler.JobState, error) {
	if len(names) == 0 {
		return []scheduler.JobState{
			scheduler.StateCompleted,
			scheduler.StateFailed,
			scheduler.StateCancelled,
		}, nil
	}

	out := make([]scheduler.JobState, 0, len(names))
	for _, name := range names {
		st, err := scheduler.ParseJobState(name)
		if err != nil {
			return nil, fmt.Errorf("cleanup state %q: %w", name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

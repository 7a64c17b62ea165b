package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"miitopia-bot/internal/logging"
)

// Service runs the temp-dir reaper on a cron schedule.
type Service struct {
	log  *logging.Logger
	cron *cron.Cron

	workDir string
	maxAge  time.Duration
	inUse   func(name string) bool
}

// New schedules the reaper for workDir on spec (standard cron syntax or
// descriptors such as "@every 15m"). Entries for which inUse reports true are
// never removed; inUse may be nil.
func New(workDir string, maxAge time.Duration, spec string, inUse func(name string) bool, log *logging.Logger) (*Service, error) {
	s := &Service{
		log:     log,
		cron:    cron.New(),
		workDir: workDir,
		maxAge:  maxAge,
		inUse:   inUse,
	}
	if _, err := s.cron.AddFunc(spec, s.reap); err != nil {
		return nil, fmt.Errorf("reap schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run reaps once, then runs the schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.reap()
	s.cron.Start()

	<-ctx.Done()

	ctxStop := s.cron.Stop()
	select {
	case <-ctxStop.Done():
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("cron stop timeout")
	}
}

func (s *Service) reap() {
	n, err := Reap(s.workDir, s.maxAge, time.Now(), s.inUse)
	if err != nil {
		s.log.Errorf("reaper: %v", err)
	}
	if n > 0 {
		s.log.Infof("reaper: removed %d stale entries from %s", n, s.workDir)
	}
}

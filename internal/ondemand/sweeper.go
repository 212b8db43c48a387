package ondemand

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// sweeper runs the disposal pass on a fixed interval. A slow pass delays the
// next one instead of overlapping it.
type sweeper struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func newSweeper(clock clockwork.Clock, interval time.Duration, logger *slog.Logger, sweep func()) (*sweeper, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sweep),
		gocron.WithName("dispose-inactive-targets"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create disposal job: %w", err)
	}
	return &sweeper{scheduler: s, logger: logger}, nil
}

func (s *sweeper) start() {
	s.logger.Debug("Starting disposal sweeper")
	s.scheduler.Start()
}

func (s *sweeper) stop() error {
	s.logger.Debug("Stopping disposal sweeper")
	return s.scheduler.Shutdown()
}

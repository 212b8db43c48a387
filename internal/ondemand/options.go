package ondemand

import (
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/ondemand/internal/events"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithBus publishes lifecycle events on b instead of a private bus. A shared
// bus is not closed by Stop.
func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithSourceCheck replaces the check used while preparing a cycle to drop
// targets whose page source disappeared.
func WithSourceCheck(exists func(path string) bool) Option {
	return func(s *Scheduler) { s.sourceExists = exists }
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

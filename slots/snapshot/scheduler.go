package snapshot

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/slots"
)

// Snapshotter is the part of the registry the scheduler reads.
type Snapshotter interface {
	Snapshot() []slots.State
}

// Scheduler saves the registry to a Store on a fixed interval, and once more on Stop.
type Scheduler struct {
	store     *Store
	source    Snapshotter
	scheduler gocron.Scheduler
	logger    logging.Logger
}

// NewScheduler prepares a periodic save. Nothing runs until Start.
func NewScheduler(store *Store, source Snapshotter, interval time.Duration, logger logging.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.Errorf("snapshot interval must be positive, got %s", interval)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{store: store, source: source, scheduler: scheduler, logger: logger.Sublogger("snapshot")}
	j, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.save),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("registry-snapshot"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to schedule snapshot")
	}
	s.logger.Debugw("scheduled registry snapshot", "job", j.ID(), "interval", interval)
	return s, nil
}

// Start begins the periodic saves.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop stops the schedule and writes a final snapshot.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warnw("snapshot scheduler did not shut down cleanly", "error", err)
	}
	return s.store.Save(context.Background(), s.source.Snapshot())
}

func (s *Scheduler) save() {
	states := s.source.Snapshot()
	if err := s.store.Save(context.Background(), states); err != nil {
		s.logger.Errorw("failed to save registry snapshot", "error", err)
		return
	}
	s.logger.Debugw("saved registry snapshot", "slots", len(states))
}

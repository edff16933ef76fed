package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives the retry, staleness and dead-letter sweeps.
type Scheduler struct {
	tracker       *Tracker
	retryInterval time.Duration
	sweepInterval time.Duration
}

func NewScheduler(tracker *Tracker, retryInterval time.Duration) *Scheduler {
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	return &Scheduler{
		tracker:       tracker,
		retryInterval: retryInterval,
		sweepInterval: time.Hour,
	}
}

// Start runs the scheduler loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "delivery_scheduler").Logger()
	logger.Info().Dur("retry_interval", s.retryInterval).Msg("starting delivery scheduler")

	retryTicker := time.NewTicker(s.retryInterval)
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer retryTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down delivery scheduler")
			return

		case <-retryTicker.C:
			retried, err := s.tracker.RetryDue(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("retry pass failed")
			} else if retried > 0 {
				logger.Info().Int("retried", retried).Msg("delivery retries attempted")
			}

			requeued, err := s.tracker.RequeueStale(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("stale requeue failed")
			} else if requeued > 0 {
				logger.Info().Int("requeued", requeued).Msg("stale deliveries requeued")
			}

		case <-sweepTicker.C:
			if err := s.tracker.SweepDeadLetters(ctx); err != nil {
				logger.Error().Err(err).Msg("dead-letter sweep failed")
			}
		}
	}
}

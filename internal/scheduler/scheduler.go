package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"flowsend/internal/dispatch"
	"flowsend/internal/models"
)

// Store lists scheduled campaigns whose fire time has arrived.
type Store interface {
	ScheduledCampaignsDue(ctx context.Context, now time.Time) ([]models.Campaign, error)
}

// Scheduler polls for due campaigns on a cron cadence and hands each one to
// the enqueuer as a scheduled trigger. The enqueuer re-validates campaign
// state, so a trigger that lost a race with cancel or reschedule is dropped
// here without noise.
type Scheduler struct {
	store    Store
	enqueuer *dispatch.Enqueuer
	log      *zap.Logger
	c        *cron.Cron
}

func New(store Store, enqueuer *dispatch.Enqueuer, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		enqueuer: enqueuer,
		log:      log,
		c:        cron.New(),
	}
}

// Start registers the poll job and starts the cron loop. spec accepts the
// standard five-field syntax plus descriptors like "@every 30s".
func (s *Scheduler) Start(spec string) error {
	_, err := s.c.AddFunc(spec, s.tick)
	if err != nil {
		return err
	}
	s.c.Start()
	s.log.Info("campaign scheduler started", zap.String("spec", spec))
	return nil
}

// Stop halts the cron loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	due, err := s.store.ScheduledCampaignsDue(ctx, time.Now())
	if err != nil {
		s.log.Error("scheduled campaign query failed", zap.Error(err))
		return
	}

	for _, c := range due {
		receipt, err := s.enqueuer.Dispatch(ctx, dispatch.Request{
			CampaignID:   c.ID,
			Trigger:      dispatch.TriggerScheduled,
			ScheduledFor: *c.ScheduledAt,
		})
		if errors.Is(err, dispatch.ErrStaleTrigger) {
			s.log.Info("dropping stale scheduled trigger",
				zap.Int64("campaign_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			s.log.Error("scheduled dispatch failed",
				zap.Int64("campaign_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		s.log.Info("scheduled campaign dispatched",
			zap.Int64("campaign_id", c.ID),
			zap.String("trace_id", receipt.TraceID),
			zap.Int("queued", receipt.Queued),
		)
	}
}

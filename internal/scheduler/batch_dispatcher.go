package scheduler

import (
	"context"
	"time"

	"servicecrm_backend/internal/identity"
	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"
)

const defaultBatchInterval = 5 * time.Minute

// Lead temperatures decay with elapsed time, so each tenant gets a periodic
// rescore pass even when nothing touches its leads.
const rescoreInterval = time.Hour

// BatchDispatcher periodically enqueues one sequences.batch task per tenant.
// Fanning out per organization keeps a slow tenant from starving the others
// and lets the worker pool spread them.
type BatchDispatcher struct {
	client      *Client
	orgs        *identity.Repository
	log         *logger.Logger
	interval    time.Duration
	lastRescore time.Time
}

func NewBatchDispatcher(cfg config.SchedulerConfig, client *Client, orgs *identity.Repository, log *logger.Logger) *BatchDispatcher {
	interval := cfg.GetBatchInterval()
	if interval <= 0 {
		interval = defaultBatchInterval
	}

	return &BatchDispatcher{
		client:   client,
		orgs:     orgs,
		log:      log,
		interval: interval,
	}
}

func (d *BatchDispatcher) Run(ctx context.Context) {
	if d == nil || d.client == nil {
		return
	}

	d.dispatch(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

func (d *BatchDispatcher) dispatch(ctx context.Context) {
	ids, err := d.orgs.ListIDs(ctx)
	if err != nil {
		d.log.Error("batch dispatch: list organizations failed", "error", err)
		return
	}

	rescore := time.Since(d.lastRescore) >= rescoreInterval
	if rescore {
		d.lastRescore = time.Now()
	}

	enqueued := 0
	for _, id := range ids {
		err := d.client.EnqueueSequencesBatch(ctx, SequencesBatchPayload{
			OrganizationID: id.String(),
		})
		if err != nil {
			d.log.Error("batch dispatch: enqueue failed", "organization_id", id, "error", err)
			continue
		}
		enqueued++

		if rescore {
			err := d.client.EnqueueLeadsRescore(ctx, LeadsRescorePayload{
				OrganizationID: id.String(),
			})
			if err != nil {
				d.log.Error("batch dispatch: rescore enqueue failed", "organization_id", id, "error", err)
			}
		}
	}
	if enqueued > 0 {
		d.log.Info("sequence batches enqueued", "organizations", enqueued, "rescore", rescore)
	}
}

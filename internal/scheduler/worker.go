package scheduler

import (
	"context"
	"fmt"

	leadservice "servicecrm_backend/internal/leads/service"
	"servicecrm_backend/internal/sequences/executor"
	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Worker consumes the scheduler queue: sequence batch passes and lead rescore
// jobs.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	executor *executor.Executor
	leads    *leadservice.Service
	log      *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, exec *executor.Executor, leads *leadservice.Service, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		executor: exec,
		leads:    leads,
		log:      log,
	}

	mux.HandleFunc(TaskSequencesBatch, w.handleSequencesBatch)
	mux.HandleFunc(TaskLeadsRescore, w.handleLeadsRescore)

	return w, nil
}

func (w *Worker) handleSequencesBatch(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseSequencesBatchPayload(task)
	if err != nil {
		return err
	}

	orgID, err := uuid.Parse(payload.OrganizationID)
	if err != nil {
		return err
	}

	stats, err := w.executor.RunBatch(ctx, &orgID)
	if err != nil {
		return err
	}
	w.log.Info("sequences batch task done",
		"organization_id", orgID, "enrollments", stats.Enrollments, "sent", stats.Sent)
	return nil
}

func (w *Worker) handleLeadsRescore(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseLeadsRescorePayload(task)
	if err != nil {
		return err
	}

	orgID, err := uuid.Parse(payload.OrganizationID)
	if err != nil {
		return err
	}

	refreshed, err := w.leads.Rescore(ctx, orgID, payload.Limit)
	if err != nil {
		return err
	}
	w.log.Info("leads rescore task done", "organization_id", orgID, "refreshed", refreshed)
	return nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

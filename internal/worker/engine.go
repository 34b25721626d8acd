package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"report-service/internal/config"
	"report-service/internal/logging"
	"report-service/internal/models"
	"report-service/internal/producer"
	"report-service/internal/store"
	"report-service/internal/telemetry"
)

// recoverProbability is the per-tick chance of running stale-lease recovery.
// Expected recovery latency stays within O(poll_interval / p).
const recoverProbability = 0.1

// Engine drives the claim/execute/converge loop for one worker instance.
type Engine struct {
	store       store.Store
	producer    *producer.Producer
	log         *zap.SugaredLogger
	workerID    string
	pollEvery   time.Duration
	staleAfter  time.Duration
	maxAttempts int
}

func NewEngine(cfg config.Config, st store.Store, p *producer.Producer, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:       st,
		producer:    p,
		log:         log.With("worker_id", cfg.InstanceID),
		workerID:    cfg.InstanceID,
		pollEvery:   cfg.PollInterval,
		staleAfter:  cfg.StaleLockTimeout,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run polls until the context is cancelled. Each tick performs at most one job
// attempt. After a tick that claimed a job the next tick starts immediately;
// after an idle tick the loop sleeps for the poll interval.
func (e *Engine) Run(ctx context.Context) error {
	e.recoverStale(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if rand.Float64() < recoverProbability {
			e.recoverStale(ctx)
		}

		worked, err := e.Tick(ctx)
		if err != nil {
			e.log.Errorw("tick failed", "error", err)
		}
		if worked {
			continue
		}

		timer := time.NewTimer(e.pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick claims and executes at most one job. It returns whether a job was
// claimed; claim errors are returned, execution outcomes are absorbed into the
// job's state.
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	staleCutoff := time.Now().UTC().Add(-e.staleAfter)
	job, err := e.store.ClaimNextPending(ctx, staleCutoff, e.workerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}

	telemetry.ClaimsTotal.Inc()
	logging.FromContext(ctx, e.log).Infow("job claimed", "report_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
	e.execute(ctx, job)
	return true, nil
}

func (e *Engine) execute(ctx context.Context, job models.Report) {
	log := logging.FromContext(ctx, e.log)
	attempt := job.Attempts + 1
	exec, err := e.store.CreateExecution(ctx, job.ID, attempt)
	if err != nil {
		// Without an execution row nothing was attempted; release the job for
		// a retry without charging an attempt.
		log.Errorw("open execution failed", "report_id", job.ID, "error", err)
		if err := e.store.MarkFailedOrRetry(ctx, job.ID, job.Attempts, models.StatePending); err != nil {
			log.Errorw("release after execution-open failure", "report_id", job.ID, "error", err)
		}
		return
	}

	result, err := e.producer.Produce(job.Type, job.Params)
	if err != nil {
		e.fail(ctx, job, exec, fmt.Errorf("produce: %w", err))
		return
	}

	_, err = e.store.CompleteWithArtifact(ctx, exec.ID, store.InsertArtifactParams{
		ReportID:    job.ID,
		ContentType: result.ContentType,
		Content:     result.Content,
		Checksum:    result.Checksum,
	}, attempt)
	if err == nil {
		telemetry.CompletedTotal.Inc()
		log.Infow("job completed", "report_id", job.ID, "attempt", attempt, "size_bytes", len(result.Content))
		return
	}

	if dup, ok := store.IsDuplicate(err); ok && dup.Column == "report_id" {
		// Another worker already produced the artifact. Converge: mark the job
		// COMPLETED without a second artifact and without charging an attempt.
		e.converge(ctx, job, exec)
		return
	}

	e.fail(ctx, job, exec, fmt.Errorf("store artifact: %w", err))
}

func (e *Engine) converge(ctx context.Context, job models.Report, exec models.Execution) {
	log := logging.FromContext(ctx, e.log)
	telemetry.ConvergedTotal.Inc()
	log.Infow("artifact already present, converging", "report_id", job.ID, "attempt", exec.Attempt)
	if err := e.store.MarkCompleted(ctx, job.ID, job.Attempts); err != nil {
		log.Errorw("converge mark completed", "report_id", job.ID, "error", err)
		return
	}
	if err := e.store.CloseExecution(ctx, exec.ID, nil); err != nil {
		log.Errorw("converge close execution", "report_id", job.ID, "error", err)
	}
}

func (e *Engine) fail(ctx context.Context, job models.Report, exec models.Execution, cause error) {
	attempts := job.Attempts + 1
	next := models.StatePending
	if attempts >= e.maxAttempts {
		next = models.StateFailed
		telemetry.FailedTotal.Inc()
	} else {
		telemetry.RetriesTotal.Inc()
	}

	log := logging.FromContext(ctx, e.log)
	log.Warnw("job attempt failed", "report_id", job.ID, "attempt", attempts, "next_state", next, "error", cause)
	if err := e.store.MarkFailedOrRetry(ctx, job.ID, attempts, next); err != nil {
		log.Errorw("record failure", "report_id", job.ID, "error", err)
	}
	if err := e.store.CloseExecution(ctx, exec.ID, cause); err != nil {
		log.Errorw("close execution", "report_id", job.ID, "error", err)
	}
}

func (e *Engine) recoverStale(ctx context.Context) {
	log := logging.FromContext(ctx, e.log)
	cutoff := time.Now().UTC().Add(-e.staleAfter)
	count, err := e.store.RecoverStaleLeases(ctx, cutoff)
	if err != nil {
		log.Errorw("stale lease recovery failed", "error", err)
		return
	}
	if count > 0 {
		telemetry.StaleRecovered.Add(float64(count))
		log.Infow("recovered stale leases", "count", count)
	}
}

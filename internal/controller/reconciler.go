package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
)

// Reconciler periodically compares non-terminal meetings against the
// scheduler's view of their workloads and finalizes the ones whose workload
// died without reporting back.
type Reconciler struct {
	service *Service
	cron    *cron.Cron
	logger  *logger.Logger
}

func NewReconciler(service *Service, log *logger.Logger) *Reconciler {
	return &Reconciler{
		service: service,
		cron:    cron.New(),
		logger:  log.WithComponent("reconciler"),
	}
}

// Start schedules the sweep. The first run is delayed so freshly launched
// workloads get a chance to report before being inspected.
func (r *Reconciler) Start() error {
	interval := config.AppConfig.ReconciliationInterval
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := r.cron.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	time.AfterFunc(30*time.Second, func() {
		r.cron.Start()
		r.sweep()
	})

	r.logger.Info("reconciler scheduled", slog.Duration("interval", interval))
	return nil
}

func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()

	r.sweepStale(ctx)
	r.sweepOrphans(ctx)
}

// sweepStale force-fails meetings that have sat non-terminal past the max
// age. No scheduler consultation: nothing runs that long.
func (r *Reconciler) sweepStale(ctx context.Context) {
	stale, err := r.service.store.ListStaleMeetings(ctx, config.AppConfig.ReconciliationMaxAge)
	if err != nil {
		r.logger.LogError(ctx, err, "stale meeting listing failed")
		return
	}

	for _, m := range stale {
		r.logger.Warn("force-failing stale meeting",
			slog.Int64("meeting_id", m.ID),
			slog.Time("created_at", m.CreatedAt))
		r.finalize(ctx, m, model.StatusFailed, "exceeded_max_age", "")
	}
}

// sweepOrphans checks meetings that stopped getting updates against the
// scheduler. Running workloads are left alone; everything else is finalized.
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	candidates, err := r.service.store.ListOrphanCandidates(ctx,
		config.AppConfig.OrphanGracePeriod, config.AppConfig.ReconciliationMaxAge)
	if err != nil {
		r.logger.LogError(ctx, err, "orphan candidate listing failed")
		return
	}

	for _, m := range candidates {
		if m.WorkloadHandle == "" {
			// Never scheduled: the launch path crashed between insert and
			// schedule.
			r.finalize(ctx, m, model.StatusFailed, "workload_never_scheduled", "")
			continue
		}

		state, err := r.service.scheduler.Status(ctx, m.WorkloadHandle)
		if err != nil {
			r.logger.LogError(ctx, err, "workload status check failed",
				slog.Int64("meeting_id", m.ID),
				slog.String("workload_handle", m.WorkloadHandle))
			continue
		}

		switch state {
		case WorkloadRunning, WorkloadUnknown:
			// Unknown states get the benefit of the doubt until the next sweep.
		case WorkloadSucceeded:
			r.finalizeCompleted(ctx, m, model.ReasonNormal, "workload_exited", string(state))
		case WorkloadNotFound:
			// The workload is gone without a trace; treat it as stopped.
			r.finalizeCompleted(ctx, m, model.ReasonStopped, "workload_vanished", string(state))
		case WorkloadFailed:
			r.finalize(ctx, m, model.StatusFailed, "workload_failed", string(state))
		}
	}
}

func (r *Reconciler) finalizeCompleted(ctx context.Context, m *model.Meeting, why model.CompletionReason, reason, workloadState string) {
	_, err := r.service.Transition(ctx, m.ID, model.StatusCompleted, model.SourceReconciliation, reason,
		func(meeting *model.Meeting) {
			meeting.Data.WorkloadSnapshot = workloadState
			meeting.Data.CompletionReason = why
			if meeting.Data.StopRequested {
				meeting.Data.CompletionReason = model.ReasonStopped
			}
		})
	if err != nil {
		r.logger.LogError(ctx, err, "reconciler transition failed",
			slog.Int64("meeting_id", m.ID),
			slog.String("reason", reason))
	}
}

func (r *Reconciler) finalize(ctx context.Context, m *model.Meeting, to model.MeetingStatus, reason, workloadState string) {
	_, err := r.service.Transition(ctx, m.ID, to, model.SourceReconciliation, reason,
		func(meeting *model.Meeting) {
			meeting.Data.WorkloadSnapshot = workloadState
			if to == model.StatusFailed {
				meeting.Data.FailureStage = failureStageFor(meeting.Status)
			}
		})
	if err != nil {
		r.logger.LogError(ctx, err, "reconciler transition failed",
			slog.Int64("meeting_id", m.ID),
			slog.String("to", string(to)),
			slog.String("reason", reason))
	}
}

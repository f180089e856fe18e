package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/workline/workline/internal/jobs"
	"github.com/workline/workline/internal/rbac"
	"github.com/workline/workline/internal/shared"
)

// OrphanSweeper deletes assignments whose scope entity no longer exists.
type OrphanSweeper interface {
	DeleteOrphaned(ctx context.Context) ([]rbac.OrphanedAssignment, error)
}

// ScopeSweepJob removes orphaned assignments and tells API processes to drop
// the cached contexts of affected users.
type ScopeSweepJob struct {
	Sweeper     OrphanSweeper
	Broadcaster rbac.Broadcaster
	Audit       rbac.AuditRecorder
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewScopeSweepJob initialises the scope sweep handler.
func NewScopeSweepJob(sweeper OrphanSweeper, broadcaster rbac.Broadcaster, audit rbac.AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *ScopeSweepJob {
	return &ScopeSweepJob{Sweeper: sweeper, Broadcaster: broadcaster, Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *ScopeSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("scope sweep: handler not configured")
	}
	var payload ScopeSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskRBACScopeSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	removed, err := j.Sweeper.DeleteOrphaned(ctx)
	if err != nil {
		logger.Error("scope sweep failed", slog.Any("error", err))
		return err
	}

	users := make([]int64, 0, len(removed))
	seen := make(map[int64]struct{}, len(removed))
	auditFailures := 0
	for _, row := range removed {
		if err := j.record(ctx, row); err != nil {
			auditFailures++
			logger.Warn("scope sweep audit failed", slog.Int64("assignment_id", row.ID), slog.Any("error", err))
		}
		if _, ok := seen[row.UserID]; ok {
			continue
		}
		seen[row.UserID] = struct{}{}
		users = append(users, row.UserID)
	}

	var publishErrs []error
	if j.Broadcaster != nil {
		for _, userID := range users {
			if err := j.Broadcaster.Publish(ctx, userID); err != nil {
				publishErrs = append(publishErrs, err)
			}
		}
	}
	j.Metrics.AddSwept(len(users))
	logger.Info("completed scope sweep",
		slog.Int("assignments", len(removed)),
		slog.Int("users", len(users)),
		slog.Int("audit_failures", auditFailures),
		slog.Int("publish_failures", len(publishErrs)),
		slog.Duration("duration", time.Since(start)),
	)
	if len(publishErrs) > 0 {
		logger.Warn("scope sweep invalidation publish failed", slog.Any("error", errors.Join(publishErrs...)))
	}
	return nil
}

func (j *ScopeSweepJob) record(ctx context.Context, row rbac.OrphanedAssignment) error {
	if j.Audit == nil {
		return nil
	}
	scope := row.Scope()
	return j.Audit.Record(ctx, shared.AuditLog{
		Action:   shared.AuditActionRoleSwept,
		Entity:   shared.AuditEntityRoleAssignment,
		EntityID: rbac.AssignmentEntityID(row.UserID, row.RoleID, scope),
		Meta:     map[string]any{"assignment_id": row.ID, "user_id": row.UserID, "scope": scope.String()},
	})
}

func (j *ScopeSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

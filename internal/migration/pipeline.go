package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/metrics"
)

// DefaultLockTTL bounds how long a crashed runner keeps other runners out.
const DefaultLockTTL = 30 * time.Minute

// Pipeline runs migrations in order under a per-stage lock.
type Pipeline struct {
	checkpoints domain.CheckpointStore
	locks       domain.LockManager
	audit       domain.AuditStore
	events      domain.EventPublisher
	metrics     *metrics.Metrics
	lockTTL     time.Duration
	logger      *slog.Logger
}

// PipelineOption configures optional collaborators.
type PipelineOption func(*Pipeline)

func WithAudit(a domain.AuditStore) PipelineOption { return func(p *Pipeline) { p.audit = a } }

func WithEvents(e domain.EventPublisher) PipelineOption { return func(p *Pipeline) { p.events = e } }

func WithMetrics(m *metrics.Metrics) PipelineOption { return func(p *Pipeline) { p.metrics = m } }

func WithLockTTL(ttl time.Duration) PipelineOption { return func(p *Pipeline) { p.lockTTL = ttl } }

// NewPipeline returns a pipeline persisting progress in checkpoints and
// serialising runners through locks.
func NewPipeline(checkpoints domain.CheckpointStore, locks domain.LockManager, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		checkpoints: checkpoints,
		locks:       locks,
		events:      domain.NopPublisher{},
		lockTTL:     DefaultLockTTL,
		logger:      logger.With(slog.String("component", "migration")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes defs in order. Completed migrations are skipped, a partially
// run migration resumes at its first unfinished step, and the first failing
// step stops the whole run with domain.ErrStepFailed.
func (p *Pipeline) Run(ctx context.Context, mc *Context, defs []Definition) error {
	unlock, err := p.locks.Acquire(ctx, "migration:"+string(mc.Stage), p.lockTTL)
	if err != nil {
		return fmt.Errorf("migration: lock stage %s: %w", mc.Stage, err)
	}
	defer unlock()

	runID := uuid.NewString()
	p.logger.InfoContext(ctx, "migration run starting",
		slog.String("stage", string(mc.Stage)),
		slog.String("run_id", runID),
		slog.Int("migrations", len(defs)),
	)
	for _, def := range defs {
		lc := mc.forLayer(def.Layer)
		if lc.Logger == nil {
			lc.Logger = p.logger.With(slog.String("layer", string(def.Layer)))
		}
		if err := p.runOne(ctx, lc, def, runID); err != nil {
			return err
		}
	}
	p.logger.InfoContext(ctx, "migration run finished", slog.String("run_id", runID))
	return nil
}

func (p *Pipeline) runOne(ctx context.Context, mc *Context, def Definition, runID string) error {
	logger := p.logger.With(slog.String("migration", def.ID), slog.String("run_id", runID))

	cp, err := p.checkpoints.Get(ctx, mc.Stage, def.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		cp = domain.MigrationCheckpoint{Stage: mc.Stage, MigrationID: def.ID}
	case err != nil:
		return fmt.Errorf("migration: load checkpoint %s: %w", def.ID, err)
	}
	if cp.Status == domain.CheckpointCompleted {
		logger.InfoContext(ctx, "already completed")
		return nil
	}

	steps, err := def.Steps(mc)
	if err != nil {
		return fmt.Errorf("migration: plan %s: %w", def.ID, err)
	}
	if cp.StepsDone > len(steps) {
		return fmt.Errorf("migration: %s checkpoint has %d steps done but only %d are defined", def.ID, cp.StepsDone, len(steps))
	}

	cp.RunID = runID
	cp.TotalSteps = len(steps)
	cp.Status = domain.CheckpointRunning
	cp.Error = ""
	if err := p.save(ctx, &cp); err != nil {
		return err
	}
	if cp.StepsDone > 0 {
		logger.InfoContext(ctx, "resuming", slog.Int("from_step", cp.StepsDone), slog.Int("total", len(steps)))
	}

	for i := cp.StepsDone; i < len(steps); i++ {
		step := steps[i]
		stepLogger := logger.With(slog.Int("step", i), slog.String("name", step.Name))

		skipped, err := p.runStep(ctx, mc, step)
		if err != nil {
			stepLogger.ErrorContext(ctx, "step failed", slog.String("error", err.Error()))
			p.metrics.MigrationStep(def.ID, "failed")
			cp.Status = domain.CheckpointFailed
			cp.Error = err.Error()
			cp.LastStep = step.Name
			if saveErr := p.save(ctx, &cp); saveErr != nil {
				stepLogger.ErrorContext(ctx, "failed to save checkpoint", slog.String("error", saveErr.Error()))
			}
			p.record(ctx, "migration.failed", def, cp)
			p.publish(ctx, def, cp, step.Name, "failed")
			return fmt.Errorf("migration: %s step %d (%s): %w: %w", def.ID, i, step.Name, domain.ErrStepFailed, err)
		}

		status := "ok"
		if skipped {
			status = "skipped"
		}
		stepLogger.InfoContext(ctx, "step done", slog.String("status", status))
		p.metrics.MigrationStep(def.ID, status)

		cp.StepsDone = i + 1
		cp.LastStep = step.Name
		if err := p.save(ctx, &cp); err != nil {
			return err
		}
		p.publish(ctx, def, cp, step.Name, status)
	}

	cp.Status = domain.CheckpointCompleted
	if err := p.save(ctx, &cp); err != nil {
		return err
	}
	p.record(ctx, "migration.completed", def, cp)
	logger.InfoContext(ctx, "completed", slog.Int("steps", len(steps)))
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, mc *Context, step Step) (skipped bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if step.Done != nil {
		done, err := step.Done(ctx, mc)
		if err != nil {
			return false, fmt.Errorf("check: %w", err)
		}
		if done {
			return true, nil
		}
	}
	return false, step.Run(ctx, mc)
}

func (p *Pipeline) save(ctx context.Context, cp *domain.MigrationCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if err := p.checkpoints.Save(ctx, *cp); err != nil {
		return fmt.Errorf("migration: save checkpoint %s: %w", cp.MigrationID, err)
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, event string, def Definition, cp domain.MigrationCheckpoint) {
	if p.audit == nil {
		return
	}
	detail := map[string]any{
		"stage":      string(cp.Stage),
		"migration":  def.ID,
		"layer":      string(def.Layer),
		"run_id":     cp.RunID,
		"steps_done": cp.StepsDone,
		"total":      cp.TotalSteps,
	}
	if cp.Error != "" {
		detail["error"] = cp.Error
	}
	if err := p.audit.Log(ctx, event, detail); err != nil {
		p.logger.WarnContext(ctx, "failed to write audit log", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) publish(ctx context.Context, def Definition, cp domain.MigrationCheckpoint, step, status string) {
	ev := domain.Event{
		Type:   domain.EventMigrationStep,
		Source: "migration",
		Payload: map[string]any{
			"stage":     string(cp.Stage),
			"migration": def.ID,
			"step":      step,
			"status":    status,
			"done":      cp.StepsDone,
			"total":     cp.TotalSteps,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := p.events.PublishEvent(ctx, domain.ChannelMigration, ev); err != nil {
		p.logger.WarnContext(ctx, "failed to publish event", slog.String("error", err.Error()))
	}
}

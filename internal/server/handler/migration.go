package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/migration"
)

// CheckpointLister reads migration progress.
type CheckpointLister interface {
	List(ctx context.Context, stage domain.Stage) ([]domain.MigrationCheckpoint, error)
}

// AuditLister reads the audit log.
type AuditLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// MigrationHandler reports migration progress for the configured stage.
type MigrationHandler struct {
	stage       domain.Stage
	defs        []migration.Definition
	checkpoints CheckpointLister
	audit       AuditLister
	logger      *slog.Logger
}

// NewMigrationHandler lists defs with their checkpoints on stage. audit may
// be nil.
func NewMigrationHandler(stage domain.Stage, defs []migration.Definition, checkpoints CheckpointLister, audit AuditLister, logger *slog.Logger) *MigrationHandler {
	return &MigrationHandler{
		stage:       stage,
		defs:        defs,
		checkpoints: checkpoints,
		audit:       audit,
		logger:      logHandler(logger, "migrations"),
	}
}

type migrationStatus struct {
	ID         string                      `json:"id"`
	Layer      domain.Layer                `json:"layer"`
	Checkpoint *domain.MigrationCheckpoint `json:"checkpoint,omitempty"`
}

// ListMigrations returns every known migration in run order with its
// checkpoint, if any.
// GET /api/migrations
func (h *MigrationHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	cps, err := h.checkpoints.List(r.Context(), h.stage)
	if err != nil {
		writeDomainError(w, h.logger, r, "list checkpoints", err)
		return
	}
	byID := make(map[string]domain.MigrationCheckpoint, len(cps))
	for _, cp := range cps {
		byID[cp.MigrationID] = cp
	}
	out := make([]migrationStatus, 0, len(h.defs))
	for _, d := range h.defs {
		st := migrationStatus{ID: d.ID, Layer: d.Layer}
		if cp, ok := byID[d.ID]; ok {
			st.Checkpoint = &cp
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":      h.stage,
		"migrations": out,
	})
}

// ListAudit returns the audit log, newest first.
// GET /api/migrations/audit?limit=50&offset=0
func (h *MigrationHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []domain.AuditEntry{}})
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, "list audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// BlueprintStore persists Blueprint and BlueprintDeployment rows.
type BlueprintStore struct {
	db *gorm.DB
}

func NewBlueprintStore(gdb *gorm.DB) *BlueprintStore {
	return &BlueprintStore{db: gdb}
}

// -----------------------------------------------------------------------------
// Blueprint
// -----------------------------------------------------------------------------

func (s *BlueprintStore) Create(ctx context.Context, b *db.Blueprint) error {
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("store: create blueprint: %w", err)
	}
	return nil
}

func (s *BlueprintStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Blueprint, error) {
	var b db.Blueprint
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get blueprint: %w", err)
	}
	return &b, nil
}

func (s *BlueprintStore) Update(ctx context.Context, b *db.Blueprint) error {
	if err := s.db.WithContext(ctx).Save(b).Error; err != nil {
		return fmt.Errorf("store: update blueprint: %w", err)
	}
	return nil
}

func (s *BlueprintStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.Blueprint{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete blueprint: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BlueprintStore) List(ctx context.Context, opts ListOptions) ([]db.Blueprint, error) {
	var rows []db.Blueprint
	q := s.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list blueprints: %w", err)
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// BlueprintDeployment
// -----------------------------------------------------------------------------

func (s *BlueprintStore) CreateDeployment(ctx context.Context, tx *gorm.DB, d *db.BlueprintDeployment) error {
	h := s.handle(ctx, tx)
	if err := h.Create(d).Error; err != nil {
		return fmt.Errorf("store: create blueprint deployment: %w", err)
	}
	return nil
}

func (s *BlueprintStore) GetDeployment(ctx context.Context, id uuid.UUID) (*db.BlueprintDeployment, error) {
	var d db.BlueprintDeployment
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get blueprint deployment: %w", err)
	}
	return &d, nil
}

func (s *BlueprintStore) ListDeployments(ctx context.Context, blueprintID uuid.UUID, opts ListOptions) ([]db.BlueprintDeployment, error) {
	var rows []db.BlueprintDeployment
	q := s.db.WithContext(ctx).Where("blueprint_id = ?", blueprintID).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list blueprint deployments: %w", err)
	}
	return rows, nil
}

// stepProgress is one entry of a BlueprintDeployment.Progress JSON array.
type stepProgress struct {
	Service   string     `json:"service"`
	Status    string     `json:"status"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SetProgress records the outcome of one service step within a blueprint
// deployment, appending to or overwriting the matching entry in Progress.
// Grounded on blueprint_orchestrator.py's per-step progress update. The
// orchestrator calls it with "running" before dispatching each step and again
// once that step's terminal state is known.
func (s *BlueprintStore) SetProgress(ctx context.Context, deploymentID uuid.UUID, serviceName, status string, jobID *uuid.UUID, stepErr string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d db.BlueprintDeployment
		if err := tx.First(&d, "id = ?", deploymentID).Error; err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("store: get blueprint deployment: %w", err)
		}

		var steps []stepProgress
		if d.Progress != "" {
			if err := json.Unmarshal([]byte(d.Progress), &steps); err != nil {
				return fmt.Errorf("store: unmarshal blueprint progress: %w", err)
			}
		}

		updated := false
		for i := range steps {
			if steps[i].Service == serviceName {
				steps[i].Status = status
				steps[i].JobID = jobID
				steps[i].Error = stepErr
				steps[i].UpdatedAt = time.Now().UTC()
				updated = true
				break
			}
		}
		if !updated {
			steps = append(steps, stepProgress{
				Service:   serviceName,
				Status:    status,
				JobID:     jobID,
				Error:     stepErr,
				UpdatedAt: time.Now().UTC(),
			})
		}

		data, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("store: marshal blueprint progress: %w", err)
		}
		if err := tx.Model(&db.BlueprintDeployment{}).Where("id = ?", deploymentID).
			Update("progress", string(data)).Error; err != nil {
			return fmt.Errorf("store: update blueprint progress: %w", err)
		}
		return nil
	})
}

// StartDeployment transitions a deployment to running and stamps
// started_at — step 1 of the blueprint orchestrator's algorithm (spec
// §4.4).
func (s *BlueprintStore) StartDeployment(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&db.BlueprintDeployment{}).Where("id = ?", id).
		Updates(map[string]any{"status": db.DeploymentStatusRunning, "started_at": startedAt})
	if result.Error != nil {
		return fmt.Errorf("store: start blueprint deployment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishDeployment sets the terminal status and finished_at timestamp for a
// blueprint deployment (partial failures land on DeploymentStatusPartial).
func (s *BlueprintStore) FinishDeployment(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&db.BlueprintDeployment{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "finished_at": finishedAt})
	if result.Error != nil {
		return fmt.Errorf("store: finish blueprint deployment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BlueprintStore) handle(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

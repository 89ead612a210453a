package repository

import (
	"context"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

// WorkflowConfigRepository reads and writes workflow_breakdowns and the
// roles authorized at each of them.
type WorkflowConfigRepository struct {
	db database.Querier
}

// NewWorkflowConfigRepository creates a new WorkflowConfigRepository.
func NewWorkflowConfigRepository(db database.Querier) *WorkflowConfigRepository {
	return &WorkflowConfigRepository{db: db}
}

const breakdownColumns = `
	wb.id, wb.workflow_id, wb.level, wb.name,
	wb.is_responsibility_global, wb.is_workflow_level,
	COALESCE(wb.menu_item, '')
`

// Levels returns every breakdown row of a workflow, gates and menu tags,
// ordered by level.
func (r *WorkflowConfigRepository) Levels(ctx context.Context, workflowID int64) ([]*domain.WorkflowLevel, error) {
	query := `
		SELECT ` + breakdownColumns + `
		FROM workflow_breakdowns wb
		WHERE wb.workflow_id = $1
		ORDER BY wb.level ASC, wb.id ASC
	`
	return r.queryLevels(ctx, query, workflowID)
}

// GatesAt returns the approval gates configured at level. More than one row
// is only possible on a schema without the gate uniqueness index.
func (r *WorkflowConfigRepository) GatesAt(ctx context.Context, workflowID int64, level int) ([]*domain.WorkflowLevel, error) {
	query := `
		SELECT ` + breakdownColumns + `
		FROM workflow_breakdowns wb
		WHERE wb.workflow_id = $1
		  AND wb.level = $2
		  AND wb.is_workflow_level
		ORDER BY wb.id ASC
	`
	return r.queryLevels(ctx, query, workflowID, level)
}

// MaxLevel returns the highest gate level, 0 for a workflow without gates.
func (r *WorkflowConfigRepository) MaxLevel(ctx context.Context, workflowID int64) (int, error) {
	var level int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(level), 0)
		FROM workflow_breakdowns
		WHERE workflow_id = $1 AND is_workflow_level
	`, workflowID).Scan(&level)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to get max workflow level")
	}
	return level, nil
}

// BreakdownIDsForRoles returns the breakdown rows reachable through any of
// roleIDs.
func (r *WorkflowConfigRepository) BreakdownIDsForRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT workflow_breakdown_id
		FROM role_workflow_breakdowns
		WHERE role_id = ANY($1)
		ORDER BY workflow_breakdown_id
	`, roleIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get permissions")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan permission")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read permissions")
	}
	return ids, nil
}

// InsertLevel creates a breakdown row. Level numbers are stored as given.
func (r *WorkflowConfigRepository) InsertLevel(ctx context.Context, level *domain.WorkflowLevel) error {
	query := `
		INSERT INTO workflow_breakdowns
		    (workflow_id, level, name, is_responsibility_global, is_workflow_level, menu_item)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		level.WorkflowID,
		level.Level,
		level.Name,
		level.IsResponsibilityGlobal,
		level.IsWorkflowLevel,
		level.MenuItem,
	).Scan(&level.ID)
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return errors.Duplicate("workflow level", level.Level)
		}
		if errors.IsForeignKeyViolation(err) {
			return errors.NotFound("workflow", level.WorkflowID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow level")
	}
	return nil
}

// AssignRole authorizes a role at a breakdown row. Assigning twice is a
// no-op.
func (r *WorkflowConfigRepository) AssignRole(ctx context.Context, roleID, breakdownID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO role_workflow_breakdowns (role_id, workflow_breakdown_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roleID, breakdownID)
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return errors.NotFound("role or workflow level", breakdownID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign role")
	}
	return nil
}

func (r *WorkflowConfigRepository) queryLevels(ctx context.Context, query string, args ...any) ([]*domain.WorkflowLevel, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow levels")
	}
	defer rows.Close()

	var levels []*domain.WorkflowLevel
	byID := make(map[int64]*domain.WorkflowLevel)
	for rows.Next() {
		l := &domain.WorkflowLevel{}
		if err := rows.Scan(
			&l.ID,
			&l.WorkflowID,
			&l.Level,
			&l.Name,
			&l.IsResponsibilityGlobal,
			&l.IsWorkflowLevel,
			&l.MenuItem,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow level")
		}
		levels = append(levels, l)
		byID[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read workflow levels")
	}
	rows.Close()

	if len(levels) == 0 {
		return levels, nil
	}
	if err := r.loadRoles(ctx, byID); err != nil {
		return nil, err
	}
	return levels, nil
}

// loadRoles fills in the authorized roles of each level. A level without
// roles keeps an empty set.
func (r *WorkflowConfigRepository) loadRoles(ctx context.Context, byID map[int64]*domain.WorkflowLevel) error {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := r.db.Query(ctx, `
		SELECT rwb.workflow_breakdown_id, ro.id, ro.name
		FROM role_workflow_breakdowns rwb
		JOIN roles ro ON ro.id = rwb.role_id
		WHERE rwb.workflow_breakdown_id = ANY($1)
		ORDER BY ro.name ASC
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load level roles")
	}
	defer rows.Close()

	for rows.Next() {
		var breakdownID int64
		var role domain.Role
		if err := rows.Scan(&breakdownID, &role.ID, &role.Name); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan level role")
		}
		if l, ok := byID[breakdownID]; ok {
			l.Roles = append(l.Roles, role)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read level roles")
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// WorkflowConfigStore is the read and write side of workflow configuration.
type WorkflowConfigStore interface {
	repository.WorkflowConfigReader
	repository.WorkflowConfigWriter
}

// WorkflowConfigService answers questions about one workflow's levels and
// about which breakdown rows a user may reach.
type WorkflowConfigService struct {
	repo       WorkflowConfigStore
	org        repository.OrganisationReader
	workflowID int64
	log        *logger.Logger
}

// NewWorkflowConfigService creates a new WorkflowConfigService bound to
// workflowID.
func NewWorkflowConfigService(
	repo WorkflowConfigStore,
	org repository.OrganisationReader,
	workflowID int64,
	log *logger.Logger,
) *WorkflowConfigService {
	return &WorkflowConfigService{repo: repo, org: org, workflowID: workflowID, log: log}
}

// WorkflowID returns the id of the workflow the service is bound to.
func (s *WorkflowConfigService) WorkflowID() int64 {
	return s.workflowID
}

// Levels returns every breakdown row of the workflow, gates and menu tags.
func (s *WorkflowConfigService) Levels(ctx context.Context) ([]*domain.WorkflowLevel, error) {
	return s.repo.Levels(ctx, s.workflowID)
}

// Gates returns the sequential approval gates, ordered by level.
func (s *WorkflowConfigService) Gates(ctx context.Context) ([]*domain.WorkflowLevel, error) {
	levels, err := s.repo.Levels(ctx, s.workflowID)
	if err != nil {
		return nil, err
	}
	gates := make([]*domain.WorkflowLevel, 0, len(levels))
	for _, l := range levels {
		if l.IsWorkflowLevel {
			gates = append(gates, l)
		}
	}
	return gates, nil
}

// GatesAt returns the gates at level. An empty result means the level does
// not exist.
func (s *WorkflowConfigService) GatesAt(ctx context.Context, level int) ([]*domain.WorkflowLevel, error) {
	return s.repo.GatesAt(ctx, s.workflowID, level)
}

// MaxLevel returns the level at which an item is fully approved.
func (s *WorkflowConfigService) MaxLevel(ctx context.Context) (int, error) {
	max, err := s.repo.MaxLevel(ctx, s.workflowID)
	if err != nil {
		return 0, err
	}
	if max == 0 {
		return 0, errors.Configuration(fmt.Sprintf("workflow %d has no approval levels", s.workflowID))
	}
	return max, nil
}

// AddLevel creates a breakdown row. Approval gates must extend the chain by
// exactly one level; menu tags may use any level.
func (s *WorkflowConfigService) AddLevel(ctx context.Context, level *domain.WorkflowLevel) error {
	level.Name = strings.TrimSpace(level.Name)
	if level.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if level.Level < 1 {
		return errors.InvalidInput("level", "level must be 1 or greater")
	}
	if level.WorkflowID == 0 {
		level.WorkflowID = s.workflowID
	}

	if level.IsWorkflowLevel {
		top, err := s.repo.MaxLevel(ctx, level.WorkflowID)
		if err != nil {
			return err
		}
		if level.Level != top+1 {
			return errors.InvalidInput("level",
				fmt.Sprintf("approval levels must be contiguous: next level is %d", top+1))
		}
	}

	if err := s.repo.InsertLevel(ctx, level); err != nil {
		return err
	}

	s.log.Info().
		Int64("workflow_id", level.WorkflowID).
		Int64("breakdown_id", level.ID).
		Int("level", level.Level).
		Bool("is_workflow_level", level.IsWorkflowLevel).
		Msg("Workflow level added")

	return nil
}

// AssignRole authorizes roleID at a breakdown row.
func (s *WorkflowConfigService) AssignRole(ctx context.Context, roleID, breakdownID int64) error {
	if roleID <= 0 {
		return errors.InvalidInput("role_id", "role_id must be positive")
	}
	if breakdownID <= 0 {
		return errors.InvalidInput("breakdown_id", "breakdown_id must be positive")
	}
	if err := s.repo.AssignRole(ctx, roleID, breakdownID); err != nil {
		return err
	}

	s.log.Info().
		Int64("role_id", roleID).
		Int64("breakdown_id", breakdownID).
		Msg("Role assigned to workflow level")

	return nil
}

// Permissions returns the breakdown rows reachable through the roles userID
// holds on asOf, menu tags included.
func (s *WorkflowConfigService) Permissions(ctx context.Context, userID int64, asOf time.Time) ([]int64, error) {
	roleIDs, err := s.org.ActiveRoleIDs(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}
	return s.repo.BreakdownIDsForRoles(ctx, roleIDs)
}

// HasPermission reports whether userID reaches any of breakdownIDs.
func (s *WorkflowConfigService) HasPermission(ctx context.Context, userID int64, asOf time.Time, breakdownIDs ...int64) (bool, error) {
	allowed, err := s.Permissions(ctx, userID, asOf)
	if err != nil {
		return false, err
	}
	for _, id := range allowed {
		for _, want := range breakdownIDs {
			if id == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// ApprovalBreakdownIDs returns the ids of the gates above the submit level,
// the rows that open the approval screens.
func (s *WorkflowConfigService) ApprovalBreakdownIDs(ctx context.Context) ([]int64, error) {
	gates, err := s.Gates(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, g := range gates {
		if g.Level > 1 {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

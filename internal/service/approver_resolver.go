package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// ApproverResolver computes who may act on an item next.
//
// A gate with global responsibility is staffed from the tier directly above
// the initiator's tier. Any other gate is staffed from the unit directly
// above the initiator's unit. In both cases the approver must hold one of
// the gate's roles on the day of resolution.
type ApproverResolver struct {
	config    *WorkflowConfigService
	hierarchy *HierarchyResolver
	org       repository.OrganisationReader
	now       func() time.Time
	log       *logger.Logger
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(
	config *WorkflowConfigService,
	hierarchy *HierarchyResolver,
	org repository.OrganisationReader,
	log *logger.Logger,
) *ApproverResolver {
	return &ApproverResolver{
		config:    config,
		hierarchy: hierarchy,
		org:       org,
		now:       time.Now,
		log:       log,
	}
}

// NextApprovers returns the users eligible to act on item at level
// status+1, ordered by display name. An empty result with a nil error means
// nobody can act: the item is fully approved or the level has nobody to
// staff it.
func (r *ApproverResolver) NextApprovers(ctx context.Context, item *domain.ReconciliationItem) ([]*domain.User, error) {
	initiator, err := r.org.GetUser(ctx, item.InitiatorID)
	if err != nil {
		return nil, err
	}
	return r.ApproversAt(ctx, item.SubmissionStatus+1, initiator)
}

// ApproversAt returns the users eligible to act at level on behalf of
// initiator.
func (r *ApproverResolver) ApproversAt(ctx context.Context, level int, initiator *domain.User) ([]*domain.User, error) {
	gates, err := r.config.GatesAt(ctx, level)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, nil
	}

	asOf := r.now()
	byID := make(map[int64]*domain.User)
	for _, gate := range gates {
		roleIDs := gate.RoleIDs()
		if len(roleIDs) == 0 {
			r.log.Warn().
				Int64("breakdown_id", gate.ID).
				Int("level", gate.Level).
				Msg("Workflow level has no authorized roles")
			continue
		}

		users, err := r.gateApprovers(ctx, gate, roleIDs, initiator, asOf)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			byID[u.ID] = u
		}
	}

	approvers := make([]*domain.User, 0, len(byID))
	for _, u := range byID {
		approvers = append(approvers, u)
	}
	sort.Slice(approvers, func(i, j int) bool {
		if approvers[i].DisplayName != approvers[j].DisplayName {
			return approvers[i].DisplayName < approvers[j].DisplayName
		}
		return approvers[i].ID < approvers[j].ID
	})
	return approvers, nil
}

func (r *ApproverResolver) gateApprovers(
	ctx context.Context,
	gate *domain.WorkflowLevel,
	roleIDs []int64,
	initiator *domain.User,
	asOf time.Time,
) ([]*domain.User, error) {
	if gate.IsResponsibilityGlobal {
		parent, err := r.hierarchy.ParentTier(ctx, initiator.TierID)
		if err != nil || parent == nil {
			return nil, err
		}
		return r.org.UsersWithRolesInTier(ctx, roleIDs, *parent, asOf)
	}

	parent, err := r.hierarchy.ParentUnit(ctx, initiator.UnitID)
	if err != nil || parent == nil {
		return nil, err
	}
	return r.org.UsersWithRolesInUnit(ctx, roleIDs, *parent, asOf)
}

// IsEligible reports whether userID may act on item now.
func (r *ApproverResolver) IsEligible(ctx context.Context, item *domain.ReconciliationItem, userID int64) (bool, error) {
	approvers, err := r.NextApprovers(ctx, item)
	if err != nil {
		return false, err
	}
	for _, u := range approvers {
		if u.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

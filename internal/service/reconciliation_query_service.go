package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// eligibilityFanOut caps concurrent approver resolutions when scanning
// in-flight items.
const eligibilityFanOut = 8

// WorkflowStep is one approval gate with the decision recorded against it
// in the item's current submission cycle.
type WorkflowStep struct {
	Level        int        `json:"level"`
	Name         string     `json:"name"`
	Roles        []string   `json:"roles"`
	Global       bool       `json:"is_responsibility_global"`
	Status       string     `json:"status"`
	ApproverName string     `json:"approver,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	Comment      string     `json:"comment,omitempty"`
}

// WorkflowStatus is the position of an item in its workflow.
type WorkflowStatus struct {
	Item     *domain.ReconciliationItem `json:"item"`
	MaxLevel int                        `json:"max_level"`
	Steps    []WorkflowStep             `json:"workflow_steps"`
}

// ReconciliationQueryService answers the read-side questions about items:
// listings per user, workflow position, ledger history and next approvers.
type ReconciliationQueryService struct {
	items    repository.ItemReader
	ledger   repository.LedgerReader
	config   *WorkflowConfigService
	resolver *ApproverResolver
	log      *logger.Logger
}

// NewReconciliationQueryService creates a new ReconciliationQueryService.
func NewReconciliationQueryService(
	items repository.ItemReader,
	ledger repository.LedgerReader,
	config *WorkflowConfigService,
	resolver *ApproverResolver,
	log *logger.Logger,
) *ReconciliationQueryService {
	return &ReconciliationQueryService{
		items:    items,
		ledger:   ledger,
		config:   config,
		resolver: resolver,
		log:      log,
	}
}

// ListSubmitted returns the caller's live items whatever their status.
func (s *ReconciliationQueryService) ListSubmitted(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error) {
	return s.items.ListByInitiator(ctx, userID, false)
}

// ListApproved returns the live items the caller has approved at some level.
func (s *ReconciliationQueryService) ListApproved(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error) {
	return s.items.ListDecidedBy(ctx, userID, domain.DecisionApproved)
}

// Inbox returns the in-flight items userID may act on now.
func (s *ReconciliationQueryService) Inbox(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error) {
	maxLevel, err := s.config.MaxLevel(ctx)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.items.ListInFlight(ctx, maxLevel)
	if err != nil {
		return nil, err
	}

	eligible := make([]bool, len(inFlight))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eligibilityFanOut)
	for i, item := range inFlight {
		g.Go(func() error {
			ok, err := s.resolver.IsEligible(gctx, item, userID)
			if errors.Is(err, errors.ErrCodeConfiguration) || errors.Is(err, errors.ErrCodeNotFound) {
				s.log.Warn().Err(err).Int64("item_id", item.ID).Msg("Could not resolve approvers for item")
				return nil
			}
			if err != nil {
				return err
			}
			eligible[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inbox := make([]*domain.ReconciliationItem, 0, len(inFlight))
	for i, item := range inFlight {
		if eligible[i] {
			inbox = append(inbox, item)
		}
	}
	return inbox, nil
}

// PendingApprovals groups in-flight items by the users eligible to act on
// them. Items nobody can act on are skipped.
func (s *ReconciliationQueryService) PendingApprovals(ctx context.Context) (map[int64][]*domain.ReconciliationItem, map[int64]*domain.User, error) {
	maxLevel, err := s.config.MaxLevel(ctx)
	if err != nil {
		return nil, nil, err
	}
	inFlight, err := s.items.ListInFlight(ctx, maxLevel)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	byUser := make(map[int64][]*domain.ReconciliationItem)
	users := make(map[int64]*domain.User)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eligibilityFanOut)
	for _, item := range inFlight {
		g.Go(func() error {
			approvers, err := s.resolver.NextApprovers(gctx, item)
			if errors.Is(err, errors.ErrCodeConfiguration) || errors.Is(err, errors.ErrCodeNotFound) {
				s.log.Warn().Err(err).Int64("item_id", item.ID).Msg("Could not resolve approvers for item")
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, u := range approvers {
				byUser[u.ID] = append(byUser[u.ID], item)
				users[u.ID] = u
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return byUser, users, nil
}

// NextApprovers resolves who may act next on the item identified by key.
func (s *ReconciliationQueryService) NextApprovers(ctx context.Context, key domain.ItemKey) ([]*domain.User, error) {
	item, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.resolver.NextApprovers(ctx, item)
}

// History returns the full ledger of the item identified by key,
// oldest first.
func (s *ReconciliationQueryService) History(ctx context.Context, key domain.ItemKey) ([]*domain.ApprovalRecord, error) {
	item, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, item.ID)
}

// WorkflowStatus lays the item's current submission cycle over the
// workflow's gates. The cycle starts at the most recent Submitted entry;
// its entries fill the gates in order and unreached gates read Pending.
func (s *ReconciliationQueryService) WorkflowStatus(ctx context.Context, key domain.ItemKey) (*WorkflowStatus, error) {
	item, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	gates, err := s.config.Gates(ctx)
	if err != nil {
		return nil, err
	}
	history, err := s.ledger.History(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	cycle := currentCycle(history)
	status := &WorkflowStatus{Item: item, Steps: make([]WorkflowStep, 0, len(gates))}
	for i, gate := range gates {
		step := WorkflowStep{
			Level:  gate.Level,
			Name:   gate.Name,
			Roles:  roleNames(gate.Roles),
			Global: gate.IsResponsibilityGlobal,
			Status: domain.Decision(0).String(),
		}
		if i < len(cycle) {
			rec := cycle[i]
			date := rec.CreatedAt
			step.Status = rec.Decision.String()
			step.ApproverName = rec.ApproverName
			step.Date = &date
			step.Comment = rec.Comment
		}
		status.Steps = append(status.Steps, step)
		if gate.Level > status.MaxLevel {
			status.MaxLevel = gate.Level
		}
	}
	return status, nil
}

func (s *ReconciliationQueryService) getItem(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.InvalidInput("file", err.Error())
	}
	return s.items.GetByKey(ctx, key)
}

// currentCycle returns the ledger entries from the most recent Submitted
// entry onwards.
func currentCycle(history []*domain.ApprovalRecord) []*domain.ApprovalRecord {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Decision == domain.DecisionSubmitted {
			return history[i:]
		}
	}
	return nil
}

func roleNames(roles []domain.Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}

package handler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/service"
)

// Uploader registers and withdraws uploaded files.
type Uploader interface {
	Upload(ctx context.Context, userID int64, files []domain.ItemKey) (*service.UploadResult, error)
	Remove(ctx context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error)
	ListPendingUploads(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error)
}

// Workflow moves items through their approval levels.
type Workflow interface {
	Submit(ctx context.Context, userID int64, keys []domain.ItemKey) ([]service.ItemResult, error)
	Decide(ctx context.Context, approverID int64, action service.Action, comment string, items []service.DecisionItem) ([]service.ItemResult, error)
}

// Queries answers the read-side questions about items.
type Queries interface {
	ListSubmitted(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error)
	ListApproved(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error)
	Inbox(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error)
	WorkflowStatus(ctx context.Context, key domain.ItemKey) (*service.WorkflowStatus, error)
	History(ctx context.Context, key domain.ItemKey) ([]*domain.ApprovalRecord, error)
	NextApprovers(ctx context.Context, key domain.ItemKey) ([]*domain.User, error)
}

// Permissions checks the breakdown rows a caller's roles reach.
type Permissions interface {
	HasPermission(ctx context.Context, userID int64, asOf time.Time, breakdownIDs ...int64) (bool, error)
	ApprovalBreakdownIDs(ctx context.Context) ([]int64, error)
}

var (
	_ Uploader    = (*service.UploadService)(nil)
	_ Workflow    = (*service.ReconciliationWorkflowService)(nil)
	_ Queries     = (*service.ReconciliationQueryService)(nil)
	_ Permissions = (*service.WorkflowConfigService)(nil)
)

// access decides which screens a caller's roles open.
type access struct {
	perms                Permissions
	submitBreakdownID    int64
	submittedBreakdownID int64
	now                  func() time.Time
}

func newAccess(svc Services) access {
	submitted := svc.SubmittedBreakdownID
	if submitted == 0 {
		submitted = svc.SubmitBreakdownID
	}
	return access{
		perms:                svc.Config,
		submitBreakdownID:    svc.SubmitBreakdownID,
		submittedBreakdownID: submitted,
		now:                  time.Now,
	}
}

func (a access) canSubmit(ctx context.Context, userID int64) error {
	return a.require(ctx, userID, []int64{a.submitBreakdownID})
}

func (a access) canViewSubmitted(ctx context.Context, userID int64) error {
	return a.require(ctx, userID, []int64{a.submittedBreakdownID})
}

func (a access) canApprove(ctx context.Context, userID int64) error {
	ids, err := a.perms.ApprovalBreakdownIDs(ctx)
	if err != nil {
		return err
	}
	return a.require(ctx, userID, ids)
}

func (a access) require(ctx context.Context, userID int64, breakdownIDs []int64) error {
	ok, err := a.perms.HasPermission(ctx, userID, a.now(), breakdownIDs...)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("your roles do not grant this screen")
	}
	return nil
}

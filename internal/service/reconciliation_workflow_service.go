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

// Action is an approver's decision on an item.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction validates a caller-supplied action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject:
		return a, nil
	}
	return "", errors.InvalidInput("action", `action must be "approve" or "reject"`)
}

// TransitionRecorder observes completed item transitions.
type TransitionRecorder interface {
	ObserveTransition(action string, err error, elapsed time.Duration)
}

// DecisionItem names an item an approver acts on. ExpectedStatus is the
// status the approver saw and is required; the decision fails as stale if
// the item has moved since, so a repeated click never advances twice.
type DecisionItem struct {
	Key            domain.ItemKey `json:"key"`
	ExpectedStatus *int           `json:"expected_status"`
}

// ItemResult reports the outcome of one item within a batch action.
type ItemResult struct {
	Key         domain.ItemKey `json:"key"`
	ItemID      int64          `json:"item_id,omitempty"`
	Status      int            `json:"status"`
	LedgerLevel int            `json:"ledger_level,omitempty"`
	OK          bool           `json:"ok"`
	Code        errors.Code    `json:"error_code,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ReconciliationWorkflowService owns the submission status of items and the
// transitions between them. Each item is moved in its own transaction; an
// item that fails does not undo the items processed before it.
type ReconciliationWorkflowService struct {
	tx       repository.Transactor
	config   *WorkflowConfigService
	resolver *ApproverResolver
	recorder TransitionRecorder
	log      *logger.Logger
}

// NewReconciliationWorkflowService creates a new ReconciliationWorkflowService.
// recorder may be nil.
func NewReconciliationWorkflowService(
	tx repository.Transactor,
	config *WorkflowConfigService,
	resolver *ApproverResolver,
	recorder TransitionRecorder,
	log *logger.Logger,
) *ReconciliationWorkflowService {
	return &ReconciliationWorkflowService{
		tx:       tx,
		config:   config,
		resolver: resolver,
		recorder: recorder,
		log:      log,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit hands the caller's unsubmitted items to the first approval level.
func (s *ReconciliationWorkflowService) Submit(ctx context.Context, userID int64, keys []domain.ItemKey) ([]ItemResult, error) {
	if len(keys) == 0 {
		return nil, errors.InvalidInput("files", "at least one file is required")
	}

	results := make([]ItemResult, 0, len(keys))
	for _, key := range keys {
		start := time.Now()
		res, err := s.submitOne(ctx, userID, key)
		s.observe("submit", err, start)
		results = append(results, s.result(key, res, err, "submit", userID))
	}
	return results, nil
}

func (s *ReconciliationWorkflowService) submitOne(ctx context.Context, userID int64, key domain.ItemKey) (*ItemResult, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.InvalidInput("file", err.Error())
	}

	var out *ItemResult
	err := s.tx.InWorkflowTx(ctx, func(tx repository.WorkflowTx) error {
		item, err := tx.LockItem(ctx, key)
		if err != nil {
			return err
		}
		if item.InitiatorID != userID {
			return errors.Forbidden("reconciliation was uploaded by another user")
		}
		if item.SubmissionStatus != domain.StatusUnsubmitted {
			return errors.StaleState("reconciliation has already been submitted")
		}

		level, err := nextLedgerLevel(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, item, 1); err != nil {
			return err
		}
		if err := tx.AppendRecord(ctx, &domain.ApprovalRecord{
			ItemID:     item.ID,
			Decision:   domain.DecisionSubmitted,
			ApproverID: userID,
			Level:      level,
		}); err != nil {
			return err
		}
		if _, err := tx.MarkBatchSubmitted(ctx, item.BatchID); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, domain.Notification{
			Kind:        domain.NotifySubmitted,
			ItemID:      item.ID,
			ActorID:     userID,
			InitiatorID: item.InitiatorID,
			Status:      item.SubmissionStatus,
			LedgerLevel: level,
		}); err != nil {
			return err
		}

		out = &ItemResult{ItemID: item.ID, Status: item.SubmissionStatus, LedgerLevel: level}
		return nil
	})
	return out, err
}

// ── Approve / Reject ──────────────────────────────────────────────────────────

// Decide applies action to each item on behalf of approverID.
func (s *ReconciliationWorkflowService) Decide(
	ctx context.Context,
	approverID int64,
	action Action,
	comment string,
	items []DecisionItem,
) ([]ItemResult, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.InvalidInput("files", "at least one file is required")
	}

	maxLevel, err := s.config.MaxLevel(ctx)
	if err != nil {
		return nil, err
	}

	comment = strings.TrimSpace(comment)
	results := make([]ItemResult, 0, len(items))
	for _, it := range items {
		start := time.Now()
		res, err := s.decideOne(ctx, approverID, action, comment, it, maxLevel)
		s.observe(string(action), err, start)
		results = append(results, s.result(it.Key, res, err, string(action), approverID))
	}
	return results, nil
}

// Approve is Decide with ActionApprove.
func (s *ReconciliationWorkflowService) Approve(ctx context.Context, approverID int64, comment string, items []DecisionItem) ([]ItemResult, error) {
	return s.Decide(ctx, approverID, ActionApprove, comment, items)
}

// Reject is Decide with ActionReject.
func (s *ReconciliationWorkflowService) Reject(ctx context.Context, approverID int64, comment string, items []DecisionItem) ([]ItemResult, error) {
	return s.Decide(ctx, approverID, ActionReject, comment, items)
}

func (s *ReconciliationWorkflowService) decideOne(
	ctx context.Context,
	approverID int64,
	action Action,
	comment string,
	it DecisionItem,
	maxLevel int,
) (*ItemResult, error) {
	if err := it.Key.Validate(); err != nil {
		return nil, errors.InvalidInput("file", err.Error())
	}
	if it.ExpectedStatus == nil {
		return nil, errors.InvalidInput("expected_status", "expected_status is required")
	}

	var out *ItemResult
	err := s.tx.InWorkflowTx(ctx, func(tx repository.WorkflowTx) error {
		item, err := tx.LockItem(ctx, it.Key)
		if err != nil {
			return err
		}
		if *it.ExpectedStatus != item.SubmissionStatus {
			return errors.StaleState(fmt.Sprintf(
				"reconciliation moved from status %d to %d, please refresh", *it.ExpectedStatus, item.SubmissionStatus))
		}

		latest, err := tx.LatestRecord(ctx, item.ID)
		if err != nil {
			return err
		}

		if item.SubmissionStatus < 1 || item.SubmissionStatus >= maxLevel {
			return errors.StaleState("reconciliation is not awaiting approval")
		}

		eligible, err := s.resolver.IsEligible(ctx, item, approverID)
		if err != nil {
			return err
		}
		if !eligible {
			if latest != nil && latest.ApproverID == approverID && latest.Decision != domain.DecisionSubmitted {
				return errors.StaleState("you have already acted on this reconciliation")
			}
			return errors.Forbidden(fmt.Sprintf("user %d may not act at level %d", approverID, item.SubmissionStatus+1))
		}

		level := 1
		if latest != nil {
			level = latest.Level + 1
		}

		next, decision, kind := item.SubmissionStatus+1, domain.DecisionApproved, domain.NotifyApproved
		if action == ActionReject {
			next, decision, kind = domain.StatusUnsubmitted, domain.DecisionRejected, domain.NotifyRejected
		}

		if err := tx.SetStatus(ctx, item, next); err != nil {
			return err
		}
		if err := tx.AppendRecord(ctx, &domain.ApprovalRecord{
			ItemID:     item.ID,
			Decision:   decision,
			ApproverID: approverID,
			Level:      level,
			Comment:    comment,
		}); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, domain.Notification{
			Kind:        kind,
			ItemID:      item.ID,
			ActorID:     approverID,
			InitiatorID: item.InitiatorID,
			Status:      item.SubmissionStatus,
			LedgerLevel: level,
			Comment:     comment,
		}); err != nil {
			return err
		}

		out = &ItemResult{ItemID: item.ID, Status: item.SubmissionStatus, LedgerLevel: level}
		return nil
	})
	return out, err
}

// ── helpers ───────────────────────────────────────────────────────────────────

// nextLedgerLevel is one past the level of the item's most recent ledger
// entry.
func nextLedgerLevel(ctx context.Context, tx repository.WorkflowTx, itemID int64) (int, error) {
	latest, err := tx.LatestRecord(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	return latest.Level + 1, nil
}

func (s *ReconciliationWorkflowService) result(key domain.ItemKey, res *ItemResult, err error, action string, actorID int64) ItemResult {
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("action", action).
			Str("item", key.String()).
			Int64("actor_id", actorID).
			Msg("Reconciliation transition failed")

		return ItemResult{Key: key, Code: errors.CodeOf(err), Error: err.Error()}
	}

	s.log.Info().
		Str("action", action).
		Int64("item_id", res.ItemID).
		Int("status", res.Status).
		Int("ledger_level", res.LedgerLevel).
		Int64("actor_id", actorID).
		Msg("Reconciliation transitioned")

	res.Key = key
	res.OK = true
	return *res
}

func (s *ReconciliationWorkflowService) observe(action string, err error, start time.Time) {
	if s.recorder != nil {
		s.recorder.ObserveTransition(action, err, time.Since(start))
	}
}

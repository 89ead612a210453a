package handler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/service"
)

const (
	submitGate    int64 = 101
	approveGate   int64 = 102
	submittedGate int64 = 103

	uploader   int64 = 1
	approver   int64 = 2
	outsider   int64 = 3
	submitOnly int64 = 4
)

// stubServices records calls and answers with canned results.
type stubServices struct {
	grants map[int64][]int64

	submitted []domain.ItemKey
	removed   []domain.ItemKey
	decided   []service.DecisionItem
	action    service.Action
	comment   string

	resultErr error
}

func newStubServices() *stubServices {
	return &stubServices{
		grants: map[int64][]int64{
			uploader:   {submitGate, submittedGate},
			approver:   {approveGate},
			submitOnly: {submitGate},
		},
	}
}

func (s *stubServices) services() Services {
	return Services{Uploads: s, Workflow: s, Queries: s, Config: s, SubmitBreakdownID: submitGate, SubmittedBreakdownID: submittedGate}
}

func (s *stubServices) HasPermission(_ context.Context, userID int64, _ time.Time, breakdownIDs ...int64) (bool, error) {
	for _, g := range s.grants[userID] {
		for _, want := range breakdownIDs {
			if g == want {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *stubServices) ApprovalBreakdownIDs(context.Context) ([]int64, error) {
	return []int64{approveGate}, nil
}

func (s *stubServices) Upload(_ context.Context, userID int64, files []domain.ItemKey) (*service.UploadResult, error) {
	if len(files) == 0 {
		return nil, errors.InvalidInput("files", "at least one file is required")
	}
	res := &service.UploadResult{BatchID: 7, Duplicates: []int{}, Errors: []service.RowError{}}
	for i, f := range files {
		res.Items = append(res.Items, &domain.ReconciliationItem{
			ID: int64(i + 1), BatchID: 7, BankAccountID: f.BankAccountID, Year: f.Year, Month: f.Month, FileName: f.FileName, InitiatorID: userID,
		})
	}
	return res, nil
}

func (s *stubServices) Remove(_ context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	s.removed = append(s.removed, key)
	if key.FileName != "march.xlsx" {
		return nil, errors.NotFound("pending reconciliation", key)
	}
	return &domain.ReconciliationItem{ID: 1, BankAccountID: key.BankAccountID, Year: key.Year, Month: key.Month, FileName: key.FileName, RemovedByUploader: true, InitiatorID: userID}, nil
}

func (s *stubServices) ListPendingUploads(context.Context, int64) ([]*domain.ReconciliationItem, error) {
	return []*domain.ReconciliationItem{{ID: 1, FileName: "march.xlsx"}}, nil
}

func (s *stubServices) Submit(_ context.Context, _ int64, keys []domain.ItemKey) ([]service.ItemResult, error) {
	s.submitted = keys
	out := make([]service.ItemResult, 0, len(keys))
	for i, k := range keys {
		out = append(out, service.ItemResult{Key: k, ItemID: int64(i + 1), Status: 1, LedgerLevel: 1, OK: true})
	}
	return out, nil
}

func (s *stubServices) Decide(_ context.Context, _ int64, action service.Action, comment string, items []service.DecisionItem) ([]service.ItemResult, error) {
	s.action, s.comment, s.decided = action, comment, items
	out := make([]service.ItemResult, 0, len(items))
	for _, it := range items {
		if it.ExpectedStatus == nil {
			out = append(out, service.ItemResult{Key: it.Key, Code: errors.ErrCodeInvalidInput, Error: "expected_status is required"})
			continue
		}
		if *it.ExpectedStatus != 1 {
			out = append(out, service.ItemResult{Key: it.Key, Code: errors.ErrCodeStaleState, Error: "moved on"})
			continue
		}
		out = append(out, service.ItemResult{Key: it.Key, Status: 2, LedgerLevel: 2, OK: true})
	}
	return out, nil
}

func (s *stubServices) ListSubmitted(context.Context, int64) ([]*domain.ReconciliationItem, error) {
	return []*domain.ReconciliationItem{{ID: 1}, {ID: 2}}, nil
}

func (s *stubServices) ListApproved(context.Context, int64) ([]*domain.ReconciliationItem, error) {
	return []*domain.ReconciliationItem{}, nil
}

func (s *stubServices) Inbox(context.Context, int64) ([]*domain.ReconciliationItem, error) {
	return []*domain.ReconciliationItem{{ID: 3, SubmissionStatus: 1}}, nil
}

func (s *stubServices) WorkflowStatus(_ context.Context, key domain.ItemKey) (*service.WorkflowStatus, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	return &service.WorkflowStatus{
		Item:     &domain.ReconciliationItem{ID: 1, BankAccountID: key.BankAccountID, Year: key.Year, Month: key.Month, FileName: key.FileName, SubmissionStatus: 1},
		MaxLevel: 2,
		Steps: []service.WorkflowStep{
			{Level: 1, Name: "Prepare", Status: "Submitted", ApproverName: "Alice"},
			{Level: 2, Name: "Review", Status: "Pending"},
		},
	}, nil
}

func (s *stubServices) History(context.Context, domain.ItemKey) ([]*domain.ApprovalRecord, error) {
	return []*domain.ApprovalRecord{{ID: 1, Decision: domain.DecisionSubmitted, Level: 1, ApproverName: "Alice"}}, nil
}

func (s *stubServices) NextApprovers(_ context.Context, key domain.ItemKey) ([]*domain.User, error) {
	if key.BankAccountID == 404 {
		return nil, errors.NotFound("reconciliation", key)
	}
	return []*domain.User{{ID: approver, DisplayName: "Bob"}}, nil
}

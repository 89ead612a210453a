package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

func decisions(records []*domain.ApprovalRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%s@%d", r.Decision, r.Level))
	}
	return out
}

// seen names key as an approver who saw it at status.
func seen(key domain.ItemKey, status int) DecisionItem {
	return DecisionItem{Key: key, ExpectedStatus: &status}
}

// requireOne unwraps the result of a single-item batch call.
func requireOne(t *testing.T) func([]ItemResult, error) ItemResult {
	return func(results []ItemResult, err error) ItemResult {
		t.Helper()
		require.NoError(t, err)
		require.Len(t, results, 1)
		return results[0]
	}
}

func TestWorkflow_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := f.store.addItem(userAlice, marchKey, 0)

	res := requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 1, res.Status)
	assert.Equal(t, 1, res.LedgerLevel)
	assert.Equal(t, []string{"Submitted@1"}, decisions(f.store.ledgerFor(item.ID)))

	res = requireOne(t)(f.workflow.Approve(ctx, userBob, "looks fine", []DecisionItem{seen(marchKey, 1)}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 2, f.store.item(item.ID).SubmissionStatus)
	assert.Equal(t, []string{"Submitted@1", "Approved@2"}, decisions(f.store.ledgerFor(item.ID)))

	res = requireOne(t)(f.workflow.Reject(ctx, userCarol, "balance off", []DecisionItem{seen(marchKey, 2)}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 0, f.store.item(item.ID).SubmissionStatus)
	assert.Equal(t, []string{"Submitted@1", "Approved@2", "Rejected@3"}, decisions(f.store.ledgerFor(item.ID)))

	res = requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 1, f.store.item(item.ID).SubmissionStatus)
	assert.Equal(t, 4, res.LedgerLevel)
	assert.Equal(t, []string{"Submitted@1", "Approved@2", "Rejected@3", "Submitted@4"}, decisions(f.store.ledgerFor(item.ID)))

	kinds := make([]domain.NotificationKind, 0, len(f.store.outbox))
	for _, n := range f.store.outbox {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []domain.NotificationKind{
		domain.NotifySubmitted, domain.NotifyApproved, domain.NotifyRejected, domain.NotifySubmitted,
	}, kinds)
	assert.Equal(t, "balance off", f.store.outbox[2].Comment)
}

func TestWorkflow_StatusCountsApprovals(t *testing.T) {
	m := newMemStore()
	m.unitParent[1] = nil
	m.unitParent[2] = ptr(1)
	m.tierParent[1] = nil
	m.tierParent[2] = ptr(1)
	m.addUser(userAlice, "Alice", 2, 2)
	m.addUser(userCarol, "Carol", 1, 1)
	m.grantRole(userAlice, roleAccountant)
	m.grantRole(userCarol, roleController)
	m.addGate(101, 1, false, roleAccountant)
	for level := 2; level <= 6; level++ {
		m.addGate(int64(100+level), level, true, roleController)
	}
	f := wire(m)
	ctx := context.Background()
	item := m.addItem(userAlice, marchKey, 0)

	requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))
	for n := 1; n <= 5; n++ {
		res := requireOne(t)(f.workflow.Approve(ctx, userCarol, "", []DecisionItem{seen(marchKey, n)}))
		require.True(t, res.OK, res.Error)
		assert.Equal(t, 1+n, m.item(item.ID).SubmissionStatus)
	}

	records := m.ledgerFor(item.ID)
	for k := 1; k < len(records); k++ {
		assert.Equal(t, records[k-1].Level+1, records[k].Level)
	}

	res := requireOne(t)(f.workflow.Approve(ctx, userCarol, "", []DecisionItem{seen(marchKey, 6)}))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ErrCodeStaleState, res.Code, "fully approved items take no more decisions")
}

func TestWorkflow_RejectResetsFromAnyLevel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := f.store.addItem(userAlice, marchKey, 2)

	res := requireOne(t)(f.workflow.Reject(ctx, userCarol, "", []DecisionItem{seen(marchKey, 2)}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 0, f.store.item(item.ID).SubmissionStatus)
}

func TestWorkflow_SubmitTwiceIsStale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := f.store.addItem(userAlice, marchKey, 0)

	requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))
	res := requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))

	assert.False(t, res.OK)
	assert.Equal(t, errors.ErrCodeStaleState, res.Code)
	assert.Len(t, f.store.ledgerFor(item.ID), 1)
}

func TestWorkflow_SubmitFlipsBatchOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.store.addItem(userAlice, marchKey, 0)
	aprilKey := domain.ItemKey{BankAccountID: 2, Year: 2024, Month: domain.April, FileName: "april.xlsx"}
	second := f.store.addItem(userAlice, aprilKey, 0)
	second.BatchID = first.BatchID

	results, err := f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey, aprilKey})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK, r.Error)
	}
	assert.Equal(t, 1, f.store.batches[first.BatchID].SubmissionStatus)
}

func TestWorkflow_SubmitRequiresOwner(t *testing.T) {
	f := newFixture()
	f.store.addItem(userAlice, marchKey, 0)

	res := requireOne(t)(f.workflow.Submit(context.Background(), userBob, []domain.ItemKey{marchKey}))
	assert.Equal(t, errors.ErrCodeForbidden, res.Code)
}

func TestWorkflow_DecideErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		actor    int64
		action   Action
		item     DecisionItem
		wantCode errors.Code
	}{
		{name: "approver without role", status: 1, actor: userDave, action: ActionApprove, item: seen(marchKey, 1), wantCode: errors.ErrCodeForbidden},
		{name: "wrong level", status: 1, actor: userCarol, action: ActionApprove, item: seen(marchKey, 1), wantCode: errors.ErrCodeForbidden},
		{name: "not submitted", status: 0, actor: userBob, action: ActionApprove, item: seen(marchKey, 0), wantCode: errors.ErrCodeStaleState},
		{name: "fully approved", status: 3, actor: userCarol, action: ActionReject, item: seen(marchKey, 3), wantCode: errors.ErrCodeStaleState},
		{name: "expected status moved", status: 2, actor: userCarol, action: ActionApprove, item: seen(marchKey, 1), wantCode: errors.ErrCodeStaleState},
		{name: "unknown item", status: 1, actor: userBob, action: ActionApprove, item: seen(domain.ItemKey{BankAccountID: 9, Year: 2024, Month: domain.May, FileName: "x"}, 1), wantCode: errors.ErrCodeNotFound},
		{name: "invalid key", status: 1, actor: userBob, action: ActionApprove, item: seen(domain.ItemKey{BankAccountID: 1, Year: 2024, Month: 13, FileName: "x"}, 1), wantCode: errors.ErrCodeInvalidInput},
		{name: "expected status missing", status: 1, actor: userBob, action: ActionApprove, item: DecisionItem{Key: marchKey}, wantCode: errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			item := f.store.addItem(userAlice, marchKey, tt.status)

			res := requireOne(t)(f.workflow.Decide(context.Background(), tt.actor, tt.action, "", []DecisionItem{tt.item}))
			assert.False(t, res.OK)
			assert.Equal(t, tt.wantCode, res.Code, res.Error)
			assert.Equal(t, tt.status, f.store.item(item.ID).SubmissionStatus)
			assert.Empty(t, f.store.ledgerFor(item.ID))
		})
	}
}

func TestWorkflow_DecideRejectsBadRequests(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.workflow.Decide(ctx, userBob, Action("escalate"), "", []DecisionItem{seen(marchKey, 1)})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = f.workflow.Decide(ctx, userBob, ActionApprove, "", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = f.workflow.Submit(ctx, userAlice, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestWorkflow_RepeatDecisionIsStale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.addItem(userAlice, marchKey, 0)
	requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))

	first := requireOne(t)(f.workflow.Approve(ctx, userBob, "", []DecisionItem{seen(marchKey, 1)}))
	require.True(t, first.OK, first.Error)

	again := requireOne(t)(f.workflow.Approve(ctx, userBob, "", []DecisionItem{seen(marchKey, 1)}))
	assert.Equal(t, errors.ErrCodeStaleState, again.Code)
}

func TestWorkflow_ConcurrentApprovalsAdvanceOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := f.store.addItem(userAlice, marchKey, 0)
	requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))

	const clicks = 5
	results := make([]ItemResult, clicks)
	var wg sync.WaitGroup
	for i := 0; i < clicks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rs, err := f.workflow.Approve(ctx, userBob, "", []DecisionItem{seen(marchKey, 1)})
			if err == nil && len(rs) == 1 {
				results[i] = rs[0]
			}
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
			continue
		}
		assert.Equal(t, errors.ErrCodeStaleState, r.Code)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, f.store.item(item.ID).SubmissionStatus)
	assert.Len(t, f.store.ledgerFor(item.ID), 2)
}

func TestWorkflow_DoubleClickAcrossConsecutiveLevelsAdvancesOnce(t *testing.T) {
	m := newMemStore()
	m.unitParent[1] = nil
	m.unitParent[2] = ptr(1)
	m.tierParent[1] = nil
	m.tierParent[2] = ptr(1)
	m.addUser(userAlice, "Alice", 2, 2)
	m.addUser(userCarol, "Carol", 1, 1)
	m.grantRole(userAlice, roleAccountant)
	m.grantRole(userCarol, roleController)
	m.addGate(101, 1, false, roleAccountant)
	for level := 2; level <= 4; level++ {
		m.addGate(int64(100+level), level, true, roleController)
	}
	f := wire(m)
	ctx := context.Background()
	item := m.addItem(userAlice, marchKey, 0)
	requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))

	results := make([]ItemResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rs, err := f.workflow.Approve(ctx, userCarol, "", []DecisionItem{seen(marchKey, 1)})
			if err == nil && len(rs) == 1 {
				results[i] = rs[0]
			}
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0].OK, results[1].OK, "exactly one click applies")
	for _, r := range results {
		if !r.OK {
			assert.Equal(t, errors.ErrCodeStaleState, r.Code)
		}
	}
	assert.Equal(t, 2, m.item(item.ID).SubmissionStatus)
	assert.Equal(t, []string{"Submitted@1", "Approved@2"}, decisions(m.ledgerFor(item.ID)))

	// A deliberate decision at the next level still goes through.
	res := requireOne(t)(f.workflow.Approve(ctx, userCarol, "", []DecisionItem{seen(marchKey, 2)}))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 3, m.item(item.ID).SubmissionStatus)
}

func TestWorkflow_LedgerFailureRollsBackStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := f.store.addItem(userAlice, marchKey, 0)
	f.store.failAppend = errors.Unavailable(fmt.Errorf("connection reset"))

	res := requireOne(t)(f.workflow.Submit(ctx, userAlice, []domain.ItemKey{marchKey}))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ErrCodeUnavailable, res.Code)
	assert.Equal(t, 0, f.store.item(item.ID).SubmissionStatus)
	assert.Equal(t, 0, f.store.batches[item.BatchID].SubmissionStatus)
	assert.Empty(t, f.store.outbox)
}

func TestWorkflow_BatchIsBestEffort(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	march := f.store.addItem(userAlice, marchKey, 1)
	aprilKey := domain.ItemKey{BankAccountID: 2, Year: 2024, Month: domain.April, FileName: "april.xlsx"}
	f.store.addItem(userAlice, aprilKey, 0)

	results, err := f.workflow.Approve(ctx, userBob, "", []DecisionItem{seen(marchKey, 1), seen(aprilKey, 0)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, errors.ErrCodeStaleState, results[1].Code)
	assert.Equal(t, 2, f.store.item(march.ID).SubmissionStatus)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, a)

	a, err = ParseAction("reject")
	require.NoError(t, err)
	assert.Equal(t, ActionReject, a)

	_, err = ParseAction("")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

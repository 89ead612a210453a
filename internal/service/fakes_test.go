package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// memStore is an in-memory stand-in for the PostgreSQL repositories. A
// transition holds txMu for its whole duration, which plays the part of the
// row lock, and is undone when its callback fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users        map[int64]*domain.User
	unitParent   map[int64]*int64
	tierParent   map[int64]*int64
	grants       []grant
	levels       []*domain.WorkflowLevel
	bankAccounts map[int64]bool

	items   map[int64]*domain.ReconciliationItem
	batches map[int64]*domain.SubmissionBatch
	ledger  []*domain.ApprovalRecord
	outbox  []domain.Notification
	nextID  int64
	clock   time.Time

	failAppend error
}

type grant struct {
	userID, roleID int64
	start          time.Time
	expiry         *time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[int64]*domain.User),
		unitParent:   make(map[int64]*int64),
		tierParent:   make(map[int64]*int64),
		bankAccounts: make(map[int64]bool),
		items:        make(map[int64]*domain.ReconciliationItem),
		batches:      make(map[int64]*domain.SubmissionBatch),
		clock:        time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func ptr(v int64) *int64 { return &v }

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

// ── fixture builders ──────────────────────────────────────────────────────────

func (m *memStore) addUser(id int64, name string, unitID, tierID int64) *domain.User {
	u := &domain.User{ID: id, Username: name, DisplayName: name, Email: name + "@example.com", UnitID: unitID, TierID: tierID}
	m.users[id] = u
	return u
}

func (m *memStore) grantRole(userID, roleID int64) {
	m.grants = append(m.grants, grant{userID: userID, roleID: roleID, start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func (m *memStore) addGate(id int64, level int, global bool, roleIDs ...int64) *domain.WorkflowLevel {
	l := &domain.WorkflowLevel{ID: id, WorkflowID: 1, Level: level, Name: "level", IsResponsibilityGlobal: global, IsWorkflowLevel: true}
	for _, r := range roleIDs {
		l.Roles = append(l.Roles, domain.Role{ID: r, Name: "role"})
	}
	m.levels = append(m.levels, l)
	return l
}

func (m *memStore) addItem(initiatorID int64, key domain.ItemKey, status int) *domain.ReconciliationItem {
	batch := &domain.SubmissionBatch{ID: m.id(), UserID: initiatorID}
	m.batches[batch.ID] = batch
	item := &domain.ReconciliationItem{
		ID:               m.id(),
		BatchID:          batch.ID,
		BankAccountID:    key.BankAccountID,
		Year:             key.Year,
		Month:            key.Month,
		FileName:         key.FileName,
		SubmissionStatus: status,
		Version:          1,
		InitiatorID:      initiatorID,
	}
	m.items[item.ID] = item
	return item
}

func (m *memStore) item(id int64) domain.ReconciliationItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) ledgerFor(itemID int64) []*domain.ApprovalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ApprovalRecord
	for _, r := range m.ledger {
		if r.ItemID == itemID {
			out = append(out, r)
		}
	}
	return out
}

// ── OrganisationReader ────────────────────────────────────────────────────────

func (m *memStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return u, nil
}

func (m *memStore) ParentUnit(_ context.Context, unitID int64) (*int64, error) {
	p, ok := m.unitParent[unitID]
	if !ok {
		return nil, errors.NotFound("organisation unit", unitID)
	}
	return p, nil
}

func (m *memStore) ParentTier(_ context.Context, tierID int64) (*int64, error) {
	p, ok := m.tierParent[tierID]
	if !ok {
		return nil, errors.NotFound("organisation tier", tierID)
	}
	return p, nil
}

func (m *memStore) holds(userID int64, roleIDs []int64, asOf time.Time) bool {
	for _, g := range m.grants {
		if g.userID != userID || g.start.After(asOf) || (g.expiry != nil && g.expiry.Before(asOf)) {
			continue
		}
		for _, r := range roleIDs {
			if g.roleID == r {
				return true
			}
		}
	}
	return false
}

func (m *memStore) usersWhere(match func(*domain.User) bool, roleIDs []int64, asOf time.Time) []*domain.User {
	var out []*domain.User
	for _, u := range m.users {
		if match(u) && m.holds(u.ID, roleIDs, asOf) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

func (m *memStore) UsersWithRolesInUnit(_ context.Context, roleIDs []int64, unitID int64, asOf time.Time) ([]*domain.User, error) {
	return m.usersWhere(func(u *domain.User) bool { return u.UnitID == unitID }, roleIDs, asOf), nil
}

func (m *memStore) UsersWithRolesInTier(_ context.Context, roleIDs []int64, tierID int64, asOf time.Time) ([]*domain.User, error) {
	return m.usersWhere(func(u *domain.User) bool { return u.TierID == tierID }, roleIDs, asOf), nil
}

func (m *memStore) ActiveRoleIDs(_ context.Context, userID int64, asOf time.Time) ([]int64, error) {
	var ids []int64
	for _, g := range m.grants {
		if g.userID == userID && m.holds(userID, []int64{g.roleID}, asOf) {
			ids = append(ids, g.roleID)
		}
	}
	return ids, nil
}

// ── WorkflowConfigStore ───────────────────────────────────────────────────────

func (m *memStore) Levels(_ context.Context, workflowID int64) ([]*domain.WorkflowLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkflowLevel
	for _, l := range m.levels {
		if l.WorkflowID == workflowID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *memStore) GatesAt(_ context.Context, workflowID int64, level int) ([]*domain.WorkflowLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkflowLevel
	for _, l := range m.levels {
		if l.WorkflowID == workflowID && l.Level == level && l.IsWorkflowLevel {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) MaxLevel(_ context.Context, workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, l := range m.levels {
		if l.WorkflowID == workflowID && l.IsWorkflowLevel && l.Level > max {
			max = l.Level
		}
	}
	return max, nil
}

func (m *memStore) BreakdownIDsForRoles(_ context.Context, roleIDs []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, l := range m.levels {
		for _, r := range l.Roles {
			if containsID(roleIDs, r.ID) {
				ids = append(ids, l.ID)
				break
			}
		}
	}
	return ids, nil
}

func (m *memStore) InsertLevel(_ context.Context, level *domain.WorkflowLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.levels {
		if level.IsWorkflowLevel && l.IsWorkflowLevel && l.WorkflowID == level.WorkflowID && l.Level == level.Level {
			return errors.Duplicate("workflow level", level.Level)
		}
	}
	level.ID = m.id() + 1000
	m.levels = append(m.levels, level)
	return nil
}

func (m *memStore) AssignRole(_ context.Context, roleID, breakdownID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.levels {
		if l.ID == breakdownID {
			l.Roles = append(l.Roles, domain.Role{ID: roleID})
			return nil
		}
	}
	return errors.NotFound("role or workflow level", breakdownID)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ── ItemReader / LedgerReader ─────────────────────────────────────────────────

func (m *memStore) liveByKey(key domain.ItemKey) *domain.ReconciliationItem {
	for _, it := range m.items {
		if !it.RemovedByUploader && it.Key() == key {
			return it
		}
	}
	return nil
}

func (m *memStore) GetByKey(_ context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.liveByKey(key)
	if it == nil {
		return nil, errors.NotFound("reconciliation", key)
	}
	cp := *it
	return &cp, nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*domain.ReconciliationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, errors.NotFound("reconciliation", id)
	}
	cp := *it
	return &cp, nil
}

func (m *memStore) listItems(match func(*domain.ReconciliationItem) bool) []*domain.ReconciliationItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ReconciliationItem
	for _, it := range m.items {
		if !it.RemovedByUploader && match(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListByInitiator(_ context.Context, userID int64, unsubmittedOnly bool) ([]*domain.ReconciliationItem, error) {
	return m.listItems(func(it *domain.ReconciliationItem) bool {
		return it.InitiatorID == userID && (!unsubmittedOnly || it.SubmissionStatus == 0)
	}), nil
}

func (m *memStore) ListInFlight(_ context.Context, maxLevel int) ([]*domain.ReconciliationItem, error) {
	return m.listItems(func(it *domain.ReconciliationItem) bool {
		return it.SubmissionStatus > 0 && it.SubmissionStatus < maxLevel
	}), nil
}

func (m *memStore) ListDecidedBy(_ context.Context, approverID int64, decision domain.Decision) ([]*domain.ReconciliationItem, error) {
	m.mu.Lock()
	decided := make(map[int64]bool)
	for _, r := range m.ledger {
		if r.ApproverID == approverID && r.Decision == decision {
			decided[r.ItemID] = true
		}
	}
	m.mu.Unlock()
	return m.listItems(func(it *domain.ReconciliationItem) bool { return decided[it.ID] }), nil
}

func (m *memStore) LatestLevel(ctx context.Context, itemID int64) (int, error) {
	rec, err := m.latest(itemID)
	if err != nil || rec == nil {
		return 0, err
	}
	return rec.Level, nil
}

func (m *memStore) latest(itemID int64) (*domain.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if m.ledger[i].ItemID == itemID {
			return m.ledger[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) History(_ context.Context, itemID int64) ([]*domain.ApprovalRecord, error) {
	return m.ledgerFor(itemID), nil
}

// ── UploadStore / UploadTransactor ────────────────────────────────────────────

func (m *memStore) GetOrCreatePendingBatch(_ context.Context, userID int64) (*domain.SubmissionBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.UserID == userID && b.SubmissionStatus == 0 {
			return b, nil
		}
	}
	b := &domain.SubmissionBatch{ID: m.id(), UserID: userID}
	m.batches[b.ID] = b
	return b, nil
}

func (m *memStore) CreateItem(_ context.Context, item *domain.ReconciliationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if !it.RemovedByUploader && it.BankAccountID == item.BankAccountID && it.Year == item.Year && it.Month == item.Month {
			return errors.Duplicate("reconciliation", item.Key())
		}
	}
	item.ID = m.id()
	item.Version = 1
	item.CreatedAt = m.tick()
	item.InitiatorID = m.batches[item.BatchID].UserID
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

// RemovePending flags every row the key matches, as the UPDATE does, and
// reports the first.
func (m *memStore) RemovePending(_ context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *domain.ReconciliationItem
	for _, it := range m.items {
		if it.InitiatorID != userID || it.Key() != key || it.SubmissionStatus != 0 || it.RemovedByUploader {
			continue
		}
		it.RemovedByUploader = true
		it.Version++
		if first == nil {
			cp := *it
			first = &cp
		}
	}
	if first == nil {
		return nil, errors.NotFound("pending reconciliation", key)
	}
	return first, nil
}

func (m *memStore) BankAccountExists(_ context.Context, id int64) (bool, error) {
	return m.bankAccounts[id], nil
}

func (m *memStore) InUploadTx(ctx context.Context, fn func(uploads repository.UploadStore) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// ── Transactor ────────────────────────────────────────────────────────────────

type memSnapshot struct {
	items   map[int64]domain.ReconciliationItem
	batches map[int64]domain.SubmissionBatch
	ledger  int
	outbox  int
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		items:   make(map[int64]domain.ReconciliationItem, len(m.items)),
		batches: make(map[int64]domain.SubmissionBatch, len(m.batches)),
		ledger:  len(m.ledger),
		outbox:  len(m.outbox),
	}
	for id, it := range m.items {
		s.items[id] = *it
	}
	for id, b := range m.batches {
		s.batches[id] = *b
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[int64]*domain.ReconciliationItem, len(s.items))
	for id, it := range s.items {
		cp := it
		m.items[id] = &cp
	}
	m.batches = make(map[int64]*domain.SubmissionBatch, len(s.batches))
	for id, b := range s.batches {
		cp := b
		m.batches[id] = &cp
	}
	m.ledger = m.ledger[:s.ledger]
	m.outbox = m.outbox[:s.outbox]
}

func (m *memStore) InWorkflowTx(ctx context.Context, fn func(tx repository.WorkflowTx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memTx struct{ m *memStore }

func (t memTx) LockItem(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	return t.m.GetByKey(ctx, key)
}

func (t memTx) SetStatus(_ context.Context, item *domain.ReconciliationItem, next int) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	stored := t.m.items[item.ID]
	if stored == nil || stored.SubmissionStatus != item.SubmissionStatus || stored.Version != item.Version {
		return errors.StaleState("reconciliation was changed by another action, please refresh")
	}
	stored.SubmissionStatus = next
	stored.Version++
	item.SubmissionStatus = stored.SubmissionStatus
	item.Version = stored.Version
	return nil
}

func (t memTx) LatestRecord(_ context.Context, itemID int64) (*domain.ApprovalRecord, error) {
	return t.m.latest(itemID)
}

func (t memTx) AppendRecord(_ context.Context, rec *domain.ApprovalRecord) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.failAppend != nil {
		return t.m.failAppend
	}
	for _, r := range t.m.ledger {
		if r.ItemID == rec.ItemID && r.Level == rec.Level {
			return errors.StaleState("ledger level already recorded for this reconciliation")
		}
	}
	rec.ID = t.m.id()
	rec.CreatedAt = t.m.tick()
	if u, ok := t.m.users[rec.ApproverID]; ok {
		rec.ApproverName = u.DisplayName
	}
	cp := *rec
	t.m.ledger = append(t.m.ledger, &cp)
	return nil
}

func (t memTx) MarkBatchSubmitted(_ context.Context, batchID int64) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	b := t.m.batches[batchID]
	if b.SubmissionStatus != 0 {
		return false, nil
	}
	b.SubmissionStatus = 1
	return true, nil
}

func (t memTx) Enqueue(_ context.Context, n domain.Notification) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.outbox = append(t.m.outbox, n)
	return nil
}

// ── fixture ───────────────────────────────────────────────────────────────────

const (
	roleAccountant int64 = 1
	roleSupervisor int64 = 2
	roleController int64 = 3

	userAlice int64 = 1 // initiator: unit 3, tier 3
	userBob   int64 = 2 // supervisor: unit 2, tier 2
	userCarol int64 = 3 // controller: unit 1, tier 2
	userDave  int64 = 4 // no roles: unit 2, tier 2
)

// fixture is the three-gate workflow used across the service tests:
//
//	units: 1 <- 2 <- 3      tiers: 1 <- 2 <- 3
//	level 1 (local, Accountant)   submit
//	level 2 (local, Supervisor)   staffed from unit 2
//	level 3 (global, Controller)  staffed from tier 2
type fixture struct {
	store    *memStore
	config   *WorkflowConfigService
	resolver *ApproverResolver
	workflow *ReconciliationWorkflowService
	uploads  *UploadService
	queries  *ReconciliationQueryService
}

func newFixture() *fixture {
	m := newMemStore()
	m.unitParent[1] = nil
	m.unitParent[2] = ptr(1)
	m.unitParent[3] = ptr(2)
	m.tierParent[1] = nil
	m.tierParent[2] = ptr(1)
	m.tierParent[3] = ptr(2)

	m.addUser(userAlice, "Alice", 3, 3)
	m.addUser(userBob, "Bob", 2, 2)
	m.addUser(userCarol, "Carol", 1, 2)
	m.addUser(userDave, "Dave", 2, 2)
	m.grantRole(userAlice, roleAccountant)
	m.grantRole(userBob, roleSupervisor)
	m.grantRole(userCarol, roleController)

	m.addGate(101, 1, false, roleAccountant)
	m.addGate(102, 2, false, roleSupervisor)
	m.addGate(103, 3, true, roleController)
	m.bankAccounts[1] = true
	m.bankAccounts[2] = true

	return wire(m)
}

func wire(m *memStore) *fixture {
	log := logger.Nop()
	config := NewWorkflowConfigService(m, m, 1, log)
	resolver := NewApproverResolver(config, NewHierarchyResolver(m), m, log)
	resolver.now = func() time.Time { return time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) }
	return &fixture{
		store:    m,
		config:   config,
		resolver: resolver,
		workflow: NewReconciliationWorkflowService(m, config, resolver, nil, log),
		uploads:  NewUploadService(m, m, m, log),
		queries:  NewReconciliationQueryService(m, m, config, resolver, log),
	}
}

var marchKey = domain.ItemKey{BankAccountID: 1, Year: 2024, Month: domain.March, FileName: "march.xlsx"}

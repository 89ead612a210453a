package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
)

// ItemReader reads reconciliation items outside any transition.
type ItemReader interface {
	GetByKey(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error)
	GetByID(ctx context.Context, id int64) (*domain.ReconciliationItem, error)
	ListByInitiator(ctx context.Context, userID int64, unsubmittedOnly bool) ([]*domain.ReconciliationItem, error)
	ListInFlight(ctx context.Context, maxLevel int) ([]*domain.ReconciliationItem, error)
	ListDecidedBy(ctx context.Context, approverID int64, decision domain.Decision) ([]*domain.ReconciliationItem, error)
}

// UploadStore registers uploaded files and withdraws pending ones.
type UploadStore interface {
	GetOrCreatePendingBatch(ctx context.Context, userID int64) (*domain.SubmissionBatch, error)
	CreateItem(ctx context.Context, item *domain.ReconciliationItem) error
	RemovePending(ctx context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error)
	BankAccountExists(ctx context.Context, id int64) (bool, error)
}

// LedgerReader reads the approval ledger.
type LedgerReader interface {
	LatestLevel(ctx context.Context, itemID int64) (int, error)
	History(ctx context.Context, itemID int64) ([]*domain.ApprovalRecord, error)
}

// WorkflowConfigReader reads workflow breakdown configuration.
type WorkflowConfigReader interface {
	Levels(ctx context.Context, workflowID int64) ([]*domain.WorkflowLevel, error)
	GatesAt(ctx context.Context, workflowID int64, level int) ([]*domain.WorkflowLevel, error)
	MaxLevel(ctx context.Context, workflowID int64) (int, error)
	BreakdownIDsForRoles(ctx context.Context, roleIDs []int64) ([]int64, error)
}

// WorkflowConfigWriter performs the administrative configuration writes.
type WorkflowConfigWriter interface {
	InsertLevel(ctx context.Context, level *domain.WorkflowLevel) error
	AssignRole(ctx context.Context, roleID, breakdownID int64) error
}

// OrganisationReader reads users, roles and the two organisation trees.
type OrganisationReader interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	ParentUnit(ctx context.Context, unitID int64) (*int64, error)
	ParentTier(ctx context.Context, tierID int64) (*int64, error)
	UsersWithRolesInUnit(ctx context.Context, roleIDs []int64, unitID int64, asOf time.Time) ([]*domain.User, error)
	UsersWithRolesInTier(ctx context.Context, roleIDs []int64, tierID int64, asOf time.Time) ([]*domain.User, error)
	ActiveRoleIDs(ctx context.Context, userID int64, asOf time.Time) ([]int64, error)
}

// WorkflowTx is the statement set one item transition runs atomically.
type WorkflowTx interface {
	// LockItem loads the live item for key and holds a row lock on it until
	// the transaction ends.
	LockItem(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error)
	// SetStatus moves item to next, provided nobody changed it since it was
	// loaded. On success item reflects the new status and version.
	SetStatus(ctx context.Context, item *domain.ReconciliationItem, next int) error
	LatestRecord(ctx context.Context, itemID int64) (*domain.ApprovalRecord, error)
	AppendRecord(ctx context.Context, rec *domain.ApprovalRecord) error
	MarkBatchSubmitted(ctx context.Context, batchID int64) (bool, error)
	Enqueue(ctx context.Context, n domain.Notification) error
}

// Transactor opens item transitions.
type Transactor interface {
	InWorkflowTx(ctx context.Context, fn func(tx WorkflowTx) error) error
}

// Outbox inserts notifications inside the caller's transaction.
type Outbox interface {
	InsertTx(ctx context.Context, tx pgx.Tx, n domain.Notification) error
}

// UploadTransactor opens the transaction an upload registers its files in.
type UploadTransactor interface {
	InUploadTx(ctx context.Context, fn func(uploads UploadStore) error) error
}

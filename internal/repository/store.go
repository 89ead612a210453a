package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
)

// Store opens the transaction each item transition runs in. Status update,
// ledger insert, batch flip and notification insert commit or roll back
// together.
type Store struct {
	db     *database.DB
	outbox Outbox
}

// NewStore creates a Store. outbox receives the notifications enqueued by a
// transition inside the same transaction.
func NewStore(db *database.DB, outbox Outbox) *Store {
	return &Store{db: db, outbox: outbox}
}

// InWorkflowTx runs fn inside one read-committed transaction.
func (s *Store) InWorkflowTx(ctx context.Context, fn func(tx WorkflowTx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&workflowTx{
			tx:     tx,
			items:  NewReconciliationRepository(tx),
			ledger: NewApprovalLedgerRepository(tx),
			outbox: s.outbox,
		})
	})
}

// InUploadTx runs fn with an UploadStore bound to one transaction, so a
// batch lookup and the item inserts that follow it share the batch lock.
func (s *Store) InUploadTx(ctx context.Context, fn func(uploads UploadStore) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(NewReconciliationRepository(tx))
	})
}

type workflowTx struct {
	tx     pgx.Tx
	items  *ReconciliationRepository
	ledger *ApprovalLedgerRepository
	outbox Outbox
}

func (w *workflowTx) LockItem(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	return w.items.lockByKey(ctx, key)
}

func (w *workflowTx) SetStatus(ctx context.Context, item *domain.ReconciliationItem, next int) error {
	return w.items.setStatus(ctx, item, next)
}

func (w *workflowTx) LatestRecord(ctx context.Context, itemID int64) (*domain.ApprovalRecord, error) {
	return w.ledger.Latest(ctx, itemID)
}

func (w *workflowTx) AppendRecord(ctx context.Context, rec *domain.ApprovalRecord) error {
	return w.ledger.Append(ctx, rec)
}

func (w *workflowTx) MarkBatchSubmitted(ctx context.Context, batchID int64) (bool, error) {
	return w.items.markBatchSubmitted(ctx, batchID)
}

func (w *workflowTx) Enqueue(ctx context.Context, n domain.Notification) error {
	if w.outbox == nil {
		return nil
	}
	return w.outbox.InsertTx(ctx, w.tx, n)
}

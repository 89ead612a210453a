package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

// ReconciliationRepository handles reconciliation items and their upload
// batches.
type ReconciliationRepository struct {
	db database.Querier
}

// NewReconciliationRepository creates a repository over db, which may be the
// pool or an open transaction.
func NewReconciliationRepository(db database.Querier) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

const itemColumns = `
	i.id, i.batch_id, i.bank_account_id, i.year, i.month, i.file_name,
	i.created_at, i.submission_status, i.removed_by_uploader, i.version,
	b.user_id
`

// GetByKey returns the live (not removed) item for key.
func (r *ReconciliationRepository) GetByKey(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE i.bank_account_id = $1
		  AND i.year = $2
		  AND i.month = $3
		  AND i.file_name = $4
		  AND NOT i.removed_by_uploader
	`

	item, err := scanItem(r.db.QueryRow(ctx, query, key.BankAccountID, key.Year, int(key.Month), key.FileName))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("reconciliation", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reconciliation")
	}
	return item, nil
}

// lockByKey is GetByKey with a row lock on the item.
func (r *ReconciliationRepository) lockByKey(ctx context.Context, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE i.bank_account_id = $1
		  AND i.year = $2
		  AND i.month = $3
		  AND i.file_name = $4
		  AND NOT i.removed_by_uploader
		FOR UPDATE OF i
	`

	item, err := scanItem(r.db.QueryRow(ctx, query, key.BankAccountID, key.Year, int(key.Month), key.FileName))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("reconciliation", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock reconciliation")
	}
	return item, nil
}

// GetByID retrieves an item by primary key, removed or not.
func (r *ReconciliationRepository) GetByID(ctx context.Context, id int64) (*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE i.id = $1
	`

	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("reconciliation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reconciliation")
	}
	return item, nil
}

// ListByInitiator returns the live items a user uploaded, newest first.
// With unsubmittedOnly set, only items still awaiting submission are listed.
func (r *ReconciliationRepository) ListByInitiator(ctx context.Context, userID int64, unsubmittedOnly bool) ([]*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE b.user_id = $1
		  AND NOT i.removed_by_uploader
	`
	if unsubmittedOnly {
		query += " AND i.submission_status = 0"
	}
	query += " ORDER BY i.created_at DESC, i.id DESC"

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reconciliations")
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListInFlight returns live items that are submitted but not yet at
// maxLevel.
func (r *ReconciliationRepository) ListInFlight(ctx context.Context, maxLevel int) ([]*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE NOT i.removed_by_uploader
		  AND i.submission_status > 0
		  AND i.submission_status < $1
		ORDER BY i.created_at ASC, i.id ASC
	`

	rows, err := r.db.Query(ctx, query, maxLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list in-flight reconciliations")
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListDecidedBy returns live items on which approverID recorded decision.
func (r *ReconciliationRepository) ListDecidedBy(ctx context.Context, approverID int64, decision domain.Decision) ([]*domain.ReconciliationItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM reconciliation_items i
		JOIN file_upload_batches b ON b.id = i.batch_id
		WHERE NOT i.removed_by_uploader
		  AND EXISTS (
		      SELECT 1 FROM reconciliation_approvals a
		      WHERE a.item_id = i.id
		        AND a.approver_id = $1
		        AND a.decision = $2
		  )
		ORDER BY i.created_at DESC, i.id DESC
	`

	rows, err := r.db.Query(ctx, query, approverID, int(decision))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list decided reconciliations")
	}
	defer rows.Close()

	return scanItems(rows)
}

// GetOrCreatePendingBatch returns the user's batch still awaiting submission,
// creating one when none exists. Must run inside a transaction: the advisory
// lock, keyed on the full user id, serializes concurrent uploads by the
// same user.
func (r *ReconciliationRepository) GetOrCreatePendingBatch(ctx context.Context, userID int64) (*domain.SubmissionBatch, error) {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1::bigint)`, userID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock upload batch")
	}

	batch := &domain.SubmissionBatch{}
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, created_at, submission_status
		FROM file_upload_batches
		WHERE user_id = $1 AND submission_status = 0
		ORDER BY id DESC
		LIMIT 1
	`, userID).Scan(&batch.ID, &batch.UserID, &batch.CreatedAt, &batch.SubmissionStatus)
	if err == nil {
		return batch, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find pending batch")
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO file_upload_batches (user_id, submission_status)
		VALUES ($1, 0)
		RETURNING id, user_id, created_at, submission_status
	`, userID).Scan(&batch.ID, &batch.UserID, &batch.CreatedAt, &batch.SubmissionStatus)
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return nil, errors.NotFound("user", userID)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create upload batch")
	}
	return batch, nil
}

// CreateItem inserts an unsubmitted item. A live item for the same bank
// account and period yields a DUPLICATE error.
func (r *ReconciliationRepository) CreateItem(ctx context.Context, item *domain.ReconciliationItem) error {
	query := `
		INSERT INTO reconciliation_items
		    (batch_id, bank_account_id, year, month, file_name, submission_status)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (bank_account_id, year, month) WHERE NOT removed_by_uploader DO NOTHING
		RETURNING id, created_at, submission_status, removed_by_uploader, version
	`

	err := r.db.QueryRow(ctx, query,
		item.BatchID,
		item.BankAccountID,
		item.Year,
		int(item.Month),
		item.FileName,
	).Scan(&item.ID, &item.CreatedAt, &item.SubmissionStatus, &item.RemovedByUploader, &item.Version)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Duplicate("reconciliation", item.Key())
	}
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return errors.NotFound("bank_account", item.BankAccountID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create reconciliation")
	}
	return nil
}

// RemovePending withdraws the unsubmitted item the user uploaded under key.
// The live-item index makes the key match at most one row. The item row
// stays; only its removed flag is set.
func (r *ReconciliationRepository) RemovePending(ctx context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	query := `
		UPDATE reconciliation_items i
		SET removed_by_uploader = TRUE,
		    version             = i.version + 1
		FROM file_upload_batches b
		WHERE b.id = i.batch_id
		  AND b.user_id = $1
		  AND i.bank_account_id = $2
		  AND i.year = $3
		  AND i.month = $4
		  AND i.file_name = $5
		  AND i.submission_status = 0
		  AND NOT i.removed_by_uploader
		RETURNING ` + itemColumns

	item, err := scanItem(r.db.QueryRow(ctx, query, userID, key.BankAccountID, key.Year, int(key.Month), key.FileName))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("pending reconciliation", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to remove reconciliation")
	}
	return item, nil
}

// BankAccountExists reports whether the bank account is known and active.
func (r *ReconciliationRepository) BankAccountExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bank_accounts WHERE id = $1 AND is_active)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check bank account")
	}
	return exists, nil
}

// setStatus is the compare-and-swap behind WorkflowTx.SetStatus.
func (r *ReconciliationRepository) setStatus(ctx context.Context, item *domain.ReconciliationItem, next int) error {
	query := `
		UPDATE reconciliation_items
		SET submission_status = $4,
		    version           = version + 1
		WHERE id = $1
		  AND submission_status = $2
		  AND version = $3
		RETURNING submission_status, version
	`

	err := r.db.QueryRow(ctx, query, item.ID, item.SubmissionStatus, item.Version, next).
		Scan(&item.SubmissionStatus, &item.Version)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.StaleState("reconciliation was changed by another action, please refresh")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update reconciliation status")
	}
	return nil
}

// markBatchSubmitted flips the batch from pending to submitted. It reports
// false when the batch was already submitted.
func (r *ReconciliationRepository) markBatchSubmitted(ctx context.Context, batchID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE file_upload_batches
		SET submission_status = 1
		WHERE id = $1 AND submission_status = 0
	`, batchID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update batch status")
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type itemScanner interface {
	Scan(dest ...any) error
}

func scanItem(row itemScanner) (*domain.ReconciliationItem, error) {
	item := &domain.ReconciliationItem{}
	var month int
	err := row.Scan(
		&item.ID,
		&item.BatchID,
		&item.BankAccountID,
		&item.Year,
		&month,
		&item.FileName,
		&item.CreatedAt,
		&item.SubmissionStatus,
		&item.RemovedByUploader,
		&item.Version,
		&item.InitiatorID,
	)
	if err != nil {
		return nil, err
	}
	item.Month = domain.Month(month)
	return item, nil
}

func scanItems(rows pgx.Rows) ([]*domain.ReconciliationItem, error) {
	var items []*domain.ReconciliationItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reconciliation")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read reconciliations")
	}
	return items, nil
}

package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

// ApprovalLedgerRepository appends and reads immutable approval ledger
// entries.
type ApprovalLedgerRepository struct {
	db database.Querier
}

// NewApprovalLedgerRepository creates a new ApprovalLedgerRepository.
func NewApprovalLedgerRepository(db database.Querier) *ApprovalLedgerRepository {
	return &ApprovalLedgerRepository{db: db}
}

// Append inserts one ledger entry. The table has an update/delete prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalLedgerRepository) Append(ctx context.Context, rec *domain.ApprovalRecord) error {
	query := `
		INSERT INTO reconciliation_approvals
		    (item_id, decision, approver_id, level, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.ItemID,
		int(rec.Decision),
		rec.ApproverID,
		rec.Level,
		rec.Comment,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return errors.StaleState("ledger level already recorded for this reconciliation")
		}
		if errors.IsForeignKeyViolation(err) {
			return errors.NotFound("user", rec.ApproverID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append ledger entry")
	}
	return nil
}

// Latest returns the most recent entry for an item, or nil when the item
// has no entries.
func (r *ApprovalLedgerRepository) Latest(ctx context.Context, itemID int64) (*domain.ApprovalRecord, error) {
	query := `
		SELECT a.id, a.item_id, a.decision, a.approver_id, u.display_name,
		       a.level, a.comment, a.created_at
		FROM reconciliation_approvals a
		JOIN users u ON u.id = a.approver_id
		WHERE a.item_id = $1
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT 1
	`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, itemID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest ledger entry")
	}
	return rec, nil
}

// LatestLevel returns the level of the most recent entry, 0 when there is
// none.
func (r *ApprovalLedgerRepository) LatestLevel(ctx context.Context, itemID int64) (int, error) {
	rec, err := r.Latest(ctx, itemID)
	if err != nil || rec == nil {
		return 0, err
	}
	return rec.Level, nil
}

// History returns the full ledger of an item ordered oldest-first.
func (r *ApprovalLedgerRepository) History(ctx context.Context, itemID int64) ([]*domain.ApprovalRecord, error) {
	query := `
		SELECT a.id, a.item_id, a.decision, a.approver_id, u.display_name,
		       a.level, a.comment, a.created_at
		FROM reconciliation_approvals a
		JOIN users u ON u.id = a.approver_id
		WHERE a.item_id = $1
		ORDER BY a.created_at ASC, a.id ASC
	`

	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get ledger")
	}
	defer rows.Close()

	var records []*domain.ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan ledger entry")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read ledger")
	}
	return records, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc recordScanner) (*domain.ApprovalRecord, error) {
	rec := &domain.ApprovalRecord{}
	var decision int16
	err := sc.Scan(
		&rec.ID,
		&rec.ItemID,
		&decision,
		&rec.ApproverID,
		&rec.ApproverName,
		&rec.Level,
		&rec.Comment,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Decision = domain.Decision(decision)
	return rec, nil
}

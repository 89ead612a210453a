package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

// OrganisationRepository reads users, their role grants and the unit and
// tier trees. It never writes.
type OrganisationRepository struct {
	db database.Querier
}

// NewOrganisationRepository creates a new OrganisationRepository.
func NewOrganisationRepository(db database.Querier) *OrganisationRepository {
	return &OrganisationRepository{db: db}
}

// roleValid restricts user_roles ur to grants valid on $asOf. The expiry
// date is the last day the grant is valid.
const roleValid = `
	ur.start_date <= $%d::date
	AND (ur.expiry_date IS NULL OR ur.expiry_date >= $%d::date)
`

const userColumns = `u.id, u.username, u.display_name, u.email, u.unit_id, u.tier_id`

// GetUser retrieves a user by id.
func (r *OrganisationRepository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ParentUnit returns the parent of a unit, nil for a root unit.
func (r *OrganisationRepository) ParentUnit(ctx context.Context, unitID int64) (*int64, error) {
	var parent *int64
	err := r.db.QueryRow(ctx,
		`SELECT parent_unit_id FROM organisation_units WHERE id = $1`, unitID).Scan(&parent)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("organisation unit", unitID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get parent unit")
	}
	return parent, nil
}

// ParentTier returns the parent of a tier, nil for a root tier.
func (r *OrganisationRepository) ParentTier(ctx context.Context, tierID int64) (*int64, error) {
	var parent *int64
	err := r.db.QueryRow(ctx,
		`SELECT parent_tier_id FROM organisation_unit_tiers WHERE id = $1`, tierID).Scan(&parent)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("organisation tier", tierID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get parent tier")
	}
	return parent, nil
}

// UsersWithRolesInUnit returns users of unitID holding any of roleIDs on
// asOf.
func (r *OrganisationRepository) UsersWithRolesInUnit(ctx context.Context, roleIDs []int64, unitID int64, asOf time.Time) ([]*domain.User, error) {
	return r.usersWithRoles(ctx, "u.unit_id", roleIDs, unitID, asOf)
}

// UsersWithRolesInTier returns users of tierID holding any of roleIDs on
// asOf.
func (r *OrganisationRepository) UsersWithRolesInTier(ctx context.Context, roleIDs []int64, tierID int64, asOf time.Time) ([]*domain.User, error) {
	return r.usersWithRoles(ctx, "u.tier_id", roleIDs, tierID, asOf)
}

func (r *OrganisationRepository) usersWithRoles(ctx context.Context, column string, roleIDs []int64, nodeID int64, asOf time.Time) ([]*domain.User, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT ` + userColumns + `
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ` + column + ` = $1
		  AND ur.role_id = ANY($2)
		  AND ` + sprintfRoleValid(3) + `
		ORDER BY u.display_name ASC, u.id ASC
	`

	rows, err := r.db.Query(ctx, query, nodeID, roleIDs, asOf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read users")
	}
	return users, nil
}

// ActiveRoleIDs returns the roles a user holds on asOf.
func (r *OrganisationRepository) ActiveRoleIDs(ctx context.Context, userID int64, asOf time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT ur.role_id
		FROM user_roles ur
		WHERE ur.user_id = $1
		  AND ` + sprintfRoleValid(2) + `
		ORDER BY ur.role_id
	`

	rows, err := r.db.Query(ctx, query, userID, asOf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list user roles")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user role")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read user roles")
	}
	return ids, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type userScanner interface {
	Scan(dest ...any) error
}

func scanUser(sc userScanner) (*domain.User, error) {
	u := &domain.User{}
	err := sc.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.UnitID, &u.TierID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func sprintfRoleValid(arg int) string {
	return fmt.Sprintf(roleValid, arg, arg)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"biolinq.io/internal/identity"
)

// Relationships implements identity.RelationshipStore.
type Relationships struct {
	db *sql.DB
}

var _ identity.RelationshipStore = (*Relationships)(nil)

func (s *Relationships) Create(ctx context.Context, rel *identity.ParentRelationship) error {
	_, err := s.db.ExecContext(ctx, `
		insert into account_relationships(sub_account_id, parent_id, rel_type, status, created_at)
		values ($1,$2,$3,$4,$5)
	`, rel.SubAccountID, rel.ParentID, rel.Type, rel.Status, rel.CreatedAt)
	return err
}

func (s *Relationships) ActiveParentOf(ctx context.Context, subAccountID string) (*identity.ParentRelationship, error) {
	return scanRelationship(s.db.QueryRowContext(ctx, `
		select sub_account_id, parent_id, rel_type, status, created_at
		from account_relationships
		where sub_account_id=$1 and status='active'
	`, subAccountID))
}

func (s *Relationships) Active(ctx context.Context, parentID, subAccountID string) (*identity.ParentRelationship, error) {
	return scanRelationship(s.db.QueryRowContext(ctx, `
		select sub_account_id, parent_id, rel_type, status, created_at
		from account_relationships
		where parent_id=$1 and sub_account_id=$2 and status='active'
	`, parentID, subAccountID))
}

func (s *Relationships) ListActiveByParent(ctx context.Context, parentID string) ([]identity.ParentRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sub_account_id, parent_id, rel_type, status, created_at
		from account_relationships
		where parent_id=$1 and status='active'
		order by created_at asc, sub_account_id asc
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.ParentRelationship
	for rows.Next() {
		var rel identity.ParentRelationship
		if err := rows.Scan(&rel.SubAccountID, &rel.ParentID, &rel.Type, &rel.Status, &rel.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (s *Relationships) CountActiveByParent(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from account_relationships
		where parent_id=$1 and status='active'
	`, parentID).Scan(&n)
	return n, err
}

func (s *Relationships) SetStatus(ctx context.Context, parentID, subAccountID, status string) error {
	return execOne(ctx, s.db, `
		update account_relationships set status=$3
		where parent_id=$1 and sub_account_id=$2
	`, parentID, subAccountID, status)
}

func scanRelationship(row *sql.Row) (*identity.ParentRelationship, error) {
	var rel identity.ParentRelationship
	err := row.Scan(&rel.SubAccountID, &rel.ParentID, &rel.Type, &rel.Status, &rel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// SeatPacks implements identity.SeatPackStore.
type SeatPacks struct {
	db *sql.DB
}

var _ identity.SeatPackStore = (*SeatPacks)(nil)

func (s *SeatPacks) Create(ctx context.Context, p *identity.SeatPack) error {
	_, err := s.db.ExecContext(ctx, `
		insert into seat_packs(id, account_id, seats, expires_at, created_at)
		values ($1,$2,$3,$4,$5)
	`, p.ID, p.AccountID, p.Seats, p.ExpiresAt, p.CreatedAt)
	return err
}

func (s *SeatPacks) TotalSeats(ctx context.Context, accountID string, now time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(seats),0) from seat_packs
		where account_id=$1 and expires_at > $2
	`, accountID, now).Scan(&total)
	return total, err
}

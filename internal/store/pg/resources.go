package pg

import (
	"context"
	"database/sql"
	"errors"

	"biolinq.io/internal/identity"
	"biolinq.io/internal/tier"
)

// Resources implements tier.ResourceStore.
type Resources struct {
	db *sql.DB
}

var _ tier.ResourceStore = (*Resources)(nil)

func (s *Resources) Create(ctx context.Context, r *tier.Resource) error {
	_, err := s.db.ExecContext(ctx, `
		insert into resources(id, account_id, kind, restricted, created_at)
		values ($1,$2,$3,$4,$5)
	`, r.ID, r.AccountID, r.Kind, r.Restricted, r.CreatedAt)
	return err
}

func (s *Resources) Get(ctx context.Context, id string) (*tier.Resource, error) {
	var r tier.Resource
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, kind, restricted, created_at
		from resources where id=$1
	`, id).Scan(&r.ID, &r.AccountID, &r.Kind, &r.Restricted, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListByAccount orders by creation time with the id as tiebreak; reconcile
// relies on this to pick the same survivors on every run.
func (s *Resources) ListByAccount(ctx context.Context, accountID, kind string) ([]tier.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, kind, restricted, created_at
		from resources
		where account_id=$1 and kind=$2
		order by created_at asc, id asc
	`, accountID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tier.Resource
	for rows.Next() {
		var r tier.Resource
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Kind, &r.Restricted, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Resources) SetRestricted(ctx context.Context, id string, restricted bool) error {
	return execOne(ctx, s.db, `update resources set restricted=$2 where id=$1`, id, restricted)
}

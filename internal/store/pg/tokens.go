package pg

import (
	"context"
	"database/sql"
	"errors"

	"biolinq.io/internal/identity"
)

// RefreshTokens implements identity.RefreshTokenStore.
type RefreshTokens struct {
	db *sql.DB
}

var _ identity.RefreshTokenStore = (*RefreshTokens)(nil)

func (s *RefreshTokens) Create(ctx context.Context, t *identity.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, account_id, token_hash, issued_at, expires_at, valid)
		values ($1,$2,$3,$4,$5,$6)
	`, t.ID, t.AccountID, t.TokenHash, t.IssuedAt, t.ExpiresAt, t.Valid)
	return err
}

func (s *RefreshTokens) Get(ctx context.Context, id string) (*identity.RefreshToken, error) {
	var t identity.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, token_hash, issued_at, expires_at, valid
		from refresh_tokens where id=$1
	`, id).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.Valid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Consume flips valid to false with a guard on the old value, so exactly one
// concurrent caller wins the rotation.
func (s *RefreshTokens) Consume(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set valid=false where id=$1 and valid=true
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RefreshTokens) Revoke(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `update refresh_tokens set valid=false where id=$1`, id)
}

// BackupCodes implements identity.BackupCodeStore.
type BackupCodes struct {
	db *sql.DB
}

var _ identity.BackupCodeStore = (*BackupCodes)(nil)

// Replace swaps the account's full code set in one transaction so a
// regeneration can never leave a mix of old and new codes.
func (s *BackupCodes) Replace(ctx context.Context, accountID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where account_id=$1`, accountID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes(account_id, code_hash) values ($1,$2)
		`, accountID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Consume deletes the matching hash; the delete's row count makes reuse of a
// code race-proof.
func (s *BackupCodes) Consume(ctx context.Context, accountID, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from backup_codes where account_id=$1 and code_hash=$2
	`, accountID, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *BackupCodes) Count(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from backup_codes where account_id=$1
	`, accountID).Scan(&n)
	return n, err
}

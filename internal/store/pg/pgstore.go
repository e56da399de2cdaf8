// Package pg is the Postgres persistence layer. One Store owns the pool;
// per-entity views implement the domain store interfaces.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"biolinq.io/internal/identity"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Accounts() *Accounts           { return &Accounts{db: s.db} }
func (s *Store) Relationships() *Relationships { return &Relationships{db: s.db} }
func (s *Store) RefreshTokens() *RefreshTokens { return &RefreshTokens{db: s.db} }
func (s *Store) SeatPacks() *SeatPacks         { return &SeatPacks{db: s.db} }
func (s *Store) BackupCodes() *BackupCodes     { return &BackupCodes{db: s.db} }
func (s *Store) Resources() *Resources         { return &Resources{db: s.db} }

// Accounts implements identity.AccountStore.
type Accounts struct {
	db *sql.DB
}

var _ identity.AccountStore = (*Accounts)(nil)

const accountCols = `id, username, email, password_hash, role, tier, auth_disabled, is_sub_account, email_mfa_enabled, totp_enabled, totp_secret_enc, created_at`

func (s *Accounts) Create(ctx context.Context, a *identity.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(`+accountCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Username, a.Email, a.PasswordHash, a.Role, a.Tier,
		a.AuthDisabled, a.IsSubAccount, a.EmailMFAEnabled, a.TOTPEnabled, a.TOTPSecretEnc, a.CreatedAt)
	if isUniqueViolation(err) {
		return identity.ErrUsernameTaken
	}
	return err
}

func (s *Accounts) Get(ctx context.Context, id string) (*identity.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountCols+` from accounts where id=$1
	`, id))
}

func (s *Accounts) GetByEmail(ctx context.Context, email string) (*identity.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountCols+` from accounts where email=$1
	`, email))
}

func (s *Accounts) GetByUsername(ctx context.Context, username string) (*identity.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountCols+` from accounts where username=$1
	`, username))
}

func (s *Accounts) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return execOne(ctx, s.db, `update accounts set password_hash=$2 where id=$1`, id, hash)
}

func (s *Accounts) UpdateTier(ctx context.Context, id, tier string) error {
	return execOne(ctx, s.db, `update accounts set tier=$2 where id=$1`, id, tier)
}

func (s *Accounts) UpdateTOTP(ctx context.Context, id string, enabled bool, secretEnc []byte) error {
	return execOne(ctx, s.db, `update accounts set totp_enabled=$2, totp_secret_enc=$3 where id=$1`, id, enabled, secretEnc)
}

func (s *Accounts) UpdateEmailMFA(ctx context.Context, id string, enabled bool) error {
	return execOne(ctx, s.db, `update accounts set email_mfa_enabled=$2 where id=$1`, id, enabled)
}

func (s *Accounts) Delete(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `delete from accounts where id=$1`, id)
}

func scanAccount(row *sql.Row) (*identity.Account, error) {
	var a identity.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.Tier,
		&a.AuthDisabled, &a.IsSubAccount, &a.EmailMFAEnabled, &a.TOTPEnabled, &a.TOTPSecretEnc, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// execOne runs a statement that must touch exactly one row; zero rows means
// the entity is gone.
func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

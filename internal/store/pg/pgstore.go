package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ridehub.io/internal/auth"
)

const pgErrUniqueViolation = "23505"

const accountColumns = `id, name, email, password_hash, role, phone, balance, subscription_status,
	kyc_id_type, kyc_id_number, kyc_license_photo, kyc_live_photo, kyc_verified, created_at, updated_at`

var _ auth.AccountStore = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Insert(ctx context.Context, acc *auth.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		acc.ID, acc.Name, acc.Email, acc.PasswordHash, string(acc.Role), acc.Phone, acc.Balance, acc.SubscriptionStatus,
		acc.KYC.IDType, acc.KYC.IDNumber, acc.KYC.LicensePhoto, acc.KYC.LivePhoto, acc.KYC.Verified,
		acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email = $1`, email))
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts set password_hash = $1, updated_at = now() where id = $2`, passwordHash, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate) (*auth.Account, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Phone != nil {
		sets = append(sets, fmt.Sprintf("phone = $%d", idx))
		args = append(args, *upd.Phone)
		idx++
	}
	if len(sets) == 0 {
		return s.FindByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update accounts set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, accountColumns)
	args = append(args, id)
	return scanAccount(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) SetKYC(ctx context.Context, id string, kyc auth.KYC) (*auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		update accounts
		set kyc_id_type = $1, kyc_id_number = $2, kyc_license_photo = $3, kyc_live_photo = $4,
			kyc_verified = $5, updated_at = now()
		where id = $6
		returning `+accountColumns,
		kyc.IDType, kyc.IDNumber, kyc.LicensePhoto, kyc.LivePhoto, kyc.Verified, id,
	))
}

func (s *Store) List(ctx context.Context) ([]*auth.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from accounts order by created_at asc, id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*auth.Account, error) {
	var (
		acc  auth.Account
		role string
	)
	err := row.Scan(
		&acc.ID, &acc.Name, &acc.Email, &acc.PasswordHash, &role, &acc.Phone, &acc.Balance, &acc.SubscriptionStatus,
		&acc.KYC.IDType, &acc.KYC.IDNumber, &acc.KYC.LicensePhoto, &acc.KYC.LivePhoto, &acc.KYC.Verified,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Role = auth.Role(role)
	return &acc, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

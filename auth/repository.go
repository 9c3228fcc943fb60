package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
}

type CreateAccountParams struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
}

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	db DB
}

func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

var _ Repository = (*PGRepository)(nil)

const accountColumns = `id, email, display_name, password_hash, role, created_at, updated_at`

func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (id, email, display_name, password_hash, role)
		VALUES ($1, lower($2), $3, $4, $5)
		RETURNING ` + accountColumns

	acct, err := scanAccount(r.db.QueryRow(ctx, insertSQL, params.ID, params.Email, params.DisplayName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.DisplayName, &acct.PasswordHash, &acct.Role, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

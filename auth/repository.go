package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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
	GetAccountByID(ctx context.Context, accountID string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	PartyID      *string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id::text, email, full_name, password_hash, role, party_id, created_at, updated_at`

// CreateAccount inserts a new account with a hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	insertSQL := `
		INSERT INTO accounts (email, full_name, password_hash, role, party_id)
		VALUES (lower($1), $2, $3, $4, $5)
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, string(params.Role), params.PartyID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return account, nil
}

// GetAccountByEmail retrieves an account by email address.
func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return account, nil
}

// GetAccountByID retrieves an account by ID.
func (r *PGRepository) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return Account{}, ErrAccountNotFound
	}
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1::uuid`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		account Account
		role    string
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.FullName,
		&account.PasswordHash,
		&role,
		&account.PartyID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	account.Role = Role(role)
	return account, nil
}

// MemoryRepository keeps accounts in process for STORE=memory runs.
type MemoryRepository struct {
	mu      sync.Mutex
	byEmail map[string]Account
	byID    map[string]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byEmail: make(map[string]Account),
		byID:    make(map[string]Account),
	}
}

func (m *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(params.Email)
	if _, exists := m.byEmail[email]; exists {
		return Account{}, ErrDuplicateEmail
	}
	now := time.Now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		PartyID:      params.PartyID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byEmail[email] = account
	m.byID[account.ID] = account
	return account, nil
}

func (m *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *MemoryRepository) GetAccountByID(_ context.Context, accountID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.byID[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

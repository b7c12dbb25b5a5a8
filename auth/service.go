package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 12 characters")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   Account
}

// NewService creates a new authentication service. Tokens live for tokenTTL,
// 12 hours when zero.
func NewService(repo Repository, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a new account. Client and provider accounts must name the
// party id they act for.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 12 {
		return nil, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}
	var partyID *string
	if p := strings.TrimSpace(req.PartyID); p != "" {
		partyID = &p
	}
	if !role.Staff() && partyID == nil {
		return nil, fmt.Errorf("auth: %s accounts require party_id", role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Role:         role,
		PartyID:      partyID,
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Login authenticates an account and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.generateToken(account)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

// GetAccountByID retrieves account information by ID.
func (s *Service) GetAccountByID(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyToken validates an HS256 token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	accountID, ok := mc["user_id"].(string)
	if !ok || accountID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := mc["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	partyID, _ := mc["party_id"].(string)
	if !role.Staff() && partyID == "" {
		return Claims{}, fmt.Errorf("%w: %s token without party_id", ErrInvalidToken, role)
	}
	return Claims{AccountID: accountID, Role: role, PartyID: partyID}, nil
}

func (s *Service) generateToken(account Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"user_id": account.ID,
		"role":    string(account.Role),
		"exp":     expiresAt.Unix(),
		"iat":     now.Unix(),
	}
	if account.PartyID != nil {
		claims["party_id"] = *account.PartyID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleSupport, RoleBooking, RoleScheduler, RoleClient, RoleProvider:
		return true
	default:
		return false
	}
}

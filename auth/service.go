package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidAccount signals missing or malformed registration fields.
	ErrInvalidAccount = errors.New("auth: invalid account")
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Service registers accounts and issues the tokens that carry the caller
// identity into task operations.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || strings.TrimSpace(req.DisplayName) == "" {
		return nil, fmt.Errorf("%w: email and display_name are required", ErrInvalidAccount)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleWorker
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	acct, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Login checks the credentials and returns a signed token for the account.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	acct, err := s.repo.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(acct.ID, acct.Role)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Account: acct}, nil
}

func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// IssueToken signs an HS256 token for identity.
func (s *Service) IssueToken(identity string, role Role) (string, error) {
	now := s.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the caller identity and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !isValidRole(claims.Role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return claims.Subject, claims.Role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleRequester, RoleWorker, RoleArbiter:
		return true
	default:
		return false
	}
}

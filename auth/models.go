package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the default capacity an account acts in. Task permissions are
// decided per task by comparing identities, so roles only gate the API
// surface (arbiters may vote on any dispute, for instance).
type Role string

const (
	RoleRequester Role = "requester"
	RoleWorker    Role = "worker"
	RoleArbiter   Role = "arbiter"
)

// Account mirrors the accounts table. Its ID is the identity passed as caller
// to every task operation.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims are the JWT claims issued at login. The subject is the account ID.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

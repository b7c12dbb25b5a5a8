package auth

import "time"

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSupport   Role = "support"
	RoleBooking   Role = "booking"
	RoleScheduler Role = "scheduler"
	RoleClient    Role = "client"
	RoleProvider  Role = "provider"
)

// Staff reports whether the role belongs to platform staff or services as
// opposed to a booking party.
func (r Role) Staff() bool {
	switch r {
	case RoleAdmin, RoleSupport, RoleBooking, RoleScheduler:
		return true
	default:
		return false
	}
}

// Account is the domain representation of an authenticated caller. It mirrors
// the accounts table. PartyID links client and provider accounts to the ids
// used on bookings.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	PartyID      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	AccountID string
	Role      Role
	PartyID   string
}

// RegisterRequest contains account creation data supplied by operators.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
	PartyID  string `json:"party_id"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

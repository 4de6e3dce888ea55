package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// TeamChannelID is the pseudo-recipient used for the team-chat channel.
var TeamChannelID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	CreditBalance int       `json:"credit_balance"`
	Approved      bool      `json:"approved"`
	Available     bool      `json:"available"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ValidRole reports whether role is one of the known account roles.
func ValidRole(role string) bool {
	switch role {
	case RoleClient, RoleFreelancer, RoleAdmin:
		return true
	}
	return false
}

// Actor is an already-authenticated caller.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role string    `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsClient() bool { return a.Role == RoleClient }

func (a Actor) IsFreelancer() bool { return a.Role == RoleFreelancer }

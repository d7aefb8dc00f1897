package domain

import "time"

type (
	ProfileID string
	TicketID  string
	RequestID string
	SessionID string
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleEngineer Role = "engineer"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleEngineer
}

type Profile struct {
	ID          ProfileID
	Role        Role
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

func (p *Profile) IsCustomer() bool { return p != nil && p.Role == RoleCustomer }
func (p *Profile) IsEngineer() bool { return p != nil && p.Role == RoleEngineer }

// Clone returns a copy safe to hand to other goroutines.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

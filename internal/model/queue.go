package model

import "time"

// ScopeType binds a queue to a user, a team or the whole organization.
type ScopeType string

const (
	ScopeUser         ScopeType = "user"
	ScopeTeam         ScopeType = "team"
	ScopeOrganization ScopeType = "organization"
)

// Queue is a named work bucket.
type Queue struct {
	ID              string
	Name            string
	ScopeType       ScopeType
	ScopeID         string
	PriorityDefault int
	AllowBots       bool
	IsSystem        bool
	CreatedAt       time.Time
}

// TeamRecord is a team as stored by the core.
type TeamRecord struct {
	ID        string
	Name      string
	QueueID   string
	CreatedAt time.Time
}

// MemberRole is the role of a user inside a team.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// Membership links a user to a team.
type Membership struct {
	TeamID   string
	UserID   string
	Role     MemberRole
	JoinedAt time.Time
}

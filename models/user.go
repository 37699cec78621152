package models

import (
	"time"
)

// Role is one of the fixed desk roles
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleTeamLeader Role = "team_leader"
	RoleRetention  Role = "retention"
	RoleConversion Role = "conversion"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleTeamLeader, RoleRetention, RoleConversion:
		return true
	}
	return false
}

// Agent is a desk user as mirrored in the users table
type Agent struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Name  string `json:"name"`
	Email string `gorm:"index" json:"email"`
	Role  Role   `gorm:"type:text" json:"role"`

	// Team hierarchy is one level deep
	TeamLeaderID   *string    `gorm:"type:uuid;index" json:"team_leader_id"`
	AllowedSources SourceList `gorm:"type:text" json:"allowed_sources"`
	AvatarURL      *string    `json:"avatar_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Agent) TableName() string { return "users" }

// Status is one entry of the configured status taxonomy
type Status struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Label      string `gorm:"not null" json:"label"`
	Color      string `json:"color"`
	IsActive   bool   `gorm:"default:true" json:"is_active"`
	OrderIndex int    `gorm:"default:0" json:"order_index"`
}

func (Status) TableName() string { return "statuses" }

// Normalized returns the normalized label used for comparisons.
func (s Status) Normalized() string {
	return NormalizeLabel(s.Label)
}

package policy

import (
	"leaddesk/models"
)

// Scope is the visibility rule for one user's lead table.
type Scope struct {
	All       bool
	Sources   []string
	Assignees []string
}

// LeadScope derives the visibility rule from the user profile and roster.
// It needs both loaded, which is why the lead query waits for the reference
// store.
func LeadScope(user models.Agent, roster []models.Agent) Scope {
	switch user.Role {
	case models.RoleAdmin:
		return Scope{All: true}
	case models.RoleManager:
		return Scope{Sources: append([]string(nil), user.AllowedSources...)}
	case models.RoleTeamLeader:
		ids := []string{user.ID}
		for _, a := range roster {
			if a.TeamLeaderID != nil && *a.TeamLeaderID == user.ID && a.ID != user.ID {
				ids = append(ids, a.ID)
			}
		}
		return Scope{Assignees: ids}
	default:
		return Scope{Assignees: []string{user.ID}}
	}
}

// Apply copies the scope into a lead query.
func (s Scope) Apply(q models.LeadQuery) models.LeadQuery {
	q.ScopeAll = s.All
	q.ScopeSources = s.Sources
	q.ScopeAssignees = s.Assignees
	return q
}

// Empty reports a scope that can never match a lead.
func (s Scope) Empty() bool {
	return !s.All && len(s.Sources) == 0 && len(s.Assignees) == 0
}

// Visible applies the scope to a single lead, used for realtime inserts.
func (s Scope) Visible(l models.Lead) bool {
	if s.All {
		return true
	}
	if models.SourceList(s.Sources).Contains(l.SourceFile) {
		return true
	}
	if l.AssignedTo == nil {
		return false
	}
	for _, id := range s.Assignees {
		if id == *l.AssignedTo {
			return true
		}
	}
	return false
}

// Package policy is the single place where role permissions are decided.
// Controllers consult it to hide actions, the mutation layer consults it to
// reject calls before they reach the backend.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"leaddesk/models"
)

var ErrForbidden = errors.New("forbidden")

type Action string

const (
	ActionSetStatus   Action = "set_status"
	ActionAssign      Action = "assign"
	ActionBulkEdit    Action = "bulk_edit"
	ActionDelete      Action = "delete"
	ActionManageUsers Action = "manage_users"
	ActionExport      Action = "export"
	ActionViewTeam    Action = "view_team"
)

var permissions = map[Action][]models.Role{
	ActionSetStatus:   {models.RoleAdmin, models.RoleManager, models.RoleTeamLeader, models.RoleRetention, models.RoleConversion},
	ActionAssign:      {models.RoleAdmin, models.RoleManager, models.RoleTeamLeader},
	ActionBulkEdit:    {models.RoleAdmin, models.RoleManager, models.RoleTeamLeader},
	ActionDelete:      {models.RoleAdmin, models.RoleManager},
	ActionManageUsers: {models.RoleAdmin, models.RoleManager},
	ActionExport:      {models.RoleAdmin, models.RoleManager},
	ActionViewTeam:    {models.RoleAdmin, models.RoleManager, models.RoleTeamLeader},
}

// restrictedForConversion are normalized label fragments the conversion
// role may never assign.
var restrictedForConversion = []string{"upsale", "trash", "archived"}

// Allowed reports whether the actor's role grants the action.
func Allowed(actor models.Agent, action Action) bool {
	for _, r := range permissions[action] {
		if r == actor.Role {
			return true
		}
	}
	return false
}

// Authorize is Allowed as an error.
func Authorize(actor models.Agent, action Action) error {
	if !Allowed(actor, action) {
		return fmt.Errorf("%w: role %q may not %s", ErrForbidden, actor.Role, action)
	}
	return nil
}

// StatusOptions returns the statuses the actor may pick, ordered by the
// configured index. Inactive statuses are never offered.
func StatusOptions(actor models.Agent, statuses []models.Status) []models.Status {
	out := make([]models.Status, 0, len(statuses))
	for _, s := range statuses {
		if !s.IsActive {
			continue
		}
		if !statusAllowedForRole(actor.Role, s.Label) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// CanSetStatus checks a concrete label against the actor's options.
func CanSetStatus(actor models.Agent, statuses []models.Status, label string) error {
	if err := Authorize(actor, ActionSetStatus); err != nil {
		return err
	}
	want := models.NormalizeLabel(label)
	for _, s := range StatusOptions(actor, statuses) {
		if s.Normalized() == want {
			return nil
		}
	}
	return fmt.Errorf("%w: status %q is not available to role %q", ErrForbidden, label, actor.Role)
}

func statusAllowedForRole(role models.Role, label string) bool {
	if role != models.RoleConversion {
		return true
	}
	n := models.NormalizeLabel(label)
	for _, frag := range restrictedForConversion {
		if strings.Contains(n, frag) {
			return false
		}
	}
	return true
}

// UserChanges lists the fields a user update touches.
type UserChanges struct {
	Name     bool
	Password bool
	Role     bool
	Avatar   bool
}

// CanUpdateUser mirrors the update-user function's gate: admins and managers
// may update other accounts, except that only admins touch admins. Everybody
// else updates only themselves and never their role.
func CanUpdateUser(actor, target models.Agent, changes UserChanges) error {
	if Allowed(actor, ActionManageUsers) {
		if actor.ID == target.ID {
			return nil
		}
		return guardAdmin(actor, target)
	}
	if actor.ID != target.ID {
		return fmt.Errorf("%w: may only update own profile", ErrForbidden)
	}
	if changes.Role {
		return fmt.Errorf("%w: may not change own role", ErrForbidden)
	}
	return nil
}

// CanDeleteUser lets user managers remove accounts other than admins; admins
// may remove anyone.
func CanDeleteUser(actor, target models.Agent) error {
	if err := Authorize(actor, ActionManageUsers); err != nil {
		return err
	}
	return guardAdmin(actor, target)
}

func guardAdmin(actor, target models.Agent) error {
	if target.Role == models.RoleAdmin && actor.Role != models.RoleAdmin {
		return fmt.Errorf("%w: only admins may manage admins", ErrForbidden)
	}
	return nil
}

// CanAssignRole stops managers from minting admins.
func CanAssignRole(actor models.Agent, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrForbidden, role)
	}
	if role == models.RoleAdmin && actor.Role != models.RoleAdmin {
		return fmt.Errorf("%w: only admins may grant admin", ErrForbidden)
	}
	return Authorize(actor, ActionManageUsers)
}

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/badoux/checkmail"

	"leaddesk/backend"
	"leaddesk/models"
	"leaddesk/policy"
)

var (
	ErrInvalidEmail = errors.New("invalid email")
	ErrSelfDelete   = errors.New("cannot delete own account")
	ErrNoFunctions  = errors.New("user functions not configured")
)

// Team lists the agents the current user may manage or supervise.
func (s *Session) Team() ([]models.Agent, error) {
	actor := s.User()
	if err := policy.Authorize(actor, policy.ActionViewTeam); err != nil {
		return nil, err
	}
	agents := s.Store.Agents()
	if actor.Role != models.RoleTeamLeader {
		return agents, nil
	}
	out := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID == actor.ID || (a.TeamLeaderID != nil && *a.TeamLeaderID == actor.ID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// CreateMember provisions an account and syncs its trading role. The roster
// picks the new agent up from the users feed.
func (s *Session) CreateMember(ctx context.Context, in backend.CreateUserInput) (models.Agent, error) {
	actor := s.User()
	if err := policy.CanAssignRole(actor, in.Role); err != nil {
		return models.Agent{}, err
	}
	if err := checkmail.ValidateFormat(in.Email); err != nil {
		return models.Agent{}, fmt.Errorf("%w: %s", ErrInvalidEmail, in.Email)
	}
	fn := s.functions()
	if fn == nil {
		return models.Agent{}, ErrNoFunctions
	}

	agent, err := fn.CreateUser(ctx, in)
	if err != nil {
		s.Bus.Error("Could not create the user")
		return models.Agent{}, err
	}
	s.syncRole(ctx, agent.ID, in.Role)
	s.Bus.Success(fmt.Sprintf("User %s created", in.Name))
	return agent, nil
}

// target resolves a roster entry; unknown ids carry no role.
func (s *Session) target(userID string) models.Agent {
	if a, ok := s.Store.Agent(userID); ok {
		return a
	}
	return models.Agent{ID: userID}
}

// UpdateMember applies a partial update. Non-managers may only edit their
// own profile and never their role; only admins edit admins.
func (s *Session) UpdateMember(ctx context.Context, in backend.UpdateUserInput) error {
	actor := s.User()
	changes := policy.UserChanges{
		Name:     in.Name != nil,
		Password: in.Password != nil,
		Role:     in.Role != nil,
		Avatar:   in.AvatarURL != nil,
	}
	if err := policy.CanUpdateUser(actor, s.target(in.UserID), changes); err != nil {
		return err
	}
	if in.Role != nil {
		if err := policy.CanAssignRole(actor, *in.Role); err != nil {
			return err
		}
	}
	fn := s.functions()
	if fn == nil {
		return ErrNoFunctions
	}
	if err := fn.UpdateUser(ctx, in); err != nil {
		s.Bus.Error("Could not update the user")
		return err
	}
	if in.Role != nil {
		s.syncRole(ctx, in.UserID, *in.Role)
	}
	s.Bus.Success("User updated")
	return nil
}

// DeleteMember removes an account.
func (s *Session) DeleteMember(ctx context.Context, userID string) error {
	actor := s.User()
	if err := policy.Authorize(actor, policy.ActionManageUsers); err != nil {
		return err
	}
	if userID == actor.ID {
		return ErrSelfDelete
	}
	if err := policy.CanDeleteUser(actor, s.target(userID)); err != nil {
		return err
	}
	fn := s.functions()
	if fn == nil {
		return ErrNoFunctions
	}
	if err := fn.DeleteUser(ctx, userID); err != nil {
		s.Bus.Error("Could not delete the user")
		return err
	}
	s.Bus.Success("User deleted")
	return nil
}

func (s *Session) syncRole(ctx context.Context, userID string, role models.Role) {
	if err := s.deps.Backend.SyncTradingRole(ctx, userID, role); err != nil {
		s.log.WithError(err).WithField("target", userID).Warn("trading role sync failed")
	}
}

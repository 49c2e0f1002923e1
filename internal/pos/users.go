package pos

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/possync/internal/model"
)

func validPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validRole(role string) bool {
	switch role {
	case model.RoleAdmin, model.RoleCashier, model.RoleKitchen:
		return true
	}
	return false
}

func (s *Service) users(ctx context.Context) ([]model.User, error) {
	recs, err := s.all(ctx, model.Users)
	if err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(recs))
	for _, rec := range recs {
		var u model.User
		if err := model.Decode(rec, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// otherAdmins counts active administrators other than id.
func otherAdmins(users []model.User, id string) int {
	n := 0
	for _, u := range users {
		if u.ID != id && u.IsActive && u.Role == model.RoleAdmin {
			n++
		}
	}
	return n
}

// SaveUser creates or updates an operator. New users need a 4-digit PIN;
// an empty PIN on update keeps the current one. Active users never share a
// PIN, and the last active administrator cannot be demoted or deactivated.
func (s *Service) SaveUser(ctx context.Context, u model.User) (model.Record, error) {
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return nil, fmt.Errorf("%w: user name is required", ErrInvalid)
	}
	if u.Role == "" {
		u.Role = model.RoleCashier
	}
	if !validRole(u.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalid, u.Role)
	}

	users, err := s.users(ctx)
	if err != nil {
		return nil, err
	}
	var existing *model.User
	for i := range users {
		if u.ID != "" && users[i].ID == u.ID {
			existing = &users[i]
			break
		}
	}

	if u.PIN == "" {
		if existing == nil {
			return nil, fmt.Errorf("%w: a pin is required for new users", ErrInvalid)
		}
		u.PIN = existing.PIN
	} else if !validPIN(u.PIN) {
		return nil, fmt.Errorf("%w: pin must be 4 digits", ErrInvalid)
	}

	if u.IsActive {
		for _, other := range users {
			if other.ID != u.ID && other.IsActive && other.PIN == u.PIN {
				return nil, ErrPINInUse
			}
		}
	}
	if existing != nil && existing.IsActive && existing.Role == model.RoleAdmin &&
		(!u.IsActive || u.Role != model.RoleAdmin) && otherAdmins(users, u.ID) == 0 {
		return nil, ErrLastAdmin
	}

	if existing != nil && u.CreatedAt.IsZero() {
		u.CreatedAt = existing.CreatedAt
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	rec, err := model.Encode(u)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, model.Users, rec)
}

// DeleteUser removes an operator, except the last active administrator.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	users, err := s.users(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.ID == id && u.IsActive && u.Role == model.RoleAdmin && otherAdmins(users, id) == 0 {
			return ErrLastAdmin
		}
	}
	_, err = s.engine.Remove(ctx, model.Users, id)
	return err
}

// LoginWithPIN returns the active user holding pin.
func (s *Service) LoginWithPIN(ctx context.Context, pin string) (model.User, error) {
	if !validPIN(pin) {
		return model.User{}, ErrInvalidPIN
	}
	users, err := s.users(ctx)
	if err != nil {
		return model.User{}, err
	}
	for _, u := range users {
		if u.IsActive && subtle.ConstantTimeCompare([]byte(u.PIN), []byte(pin)) == 1 {
			s.logger.Info("user logged in", "user", u.ID, "role", u.Role)
			return u, nil
		}
	}
	s.logger.Info("login refused")
	return model.User{}, ErrInvalidPIN
}

// IsAdminPIN reports whether pin belongs to an active administrator, for
// actions that need a supervisor's approval.
func (s *Service) IsAdminPIN(ctx context.Context, pin string) (bool, error) {
	u, err := s.LoginWithPIN(ctx, pin)
	if errors.Is(err, ErrInvalidPIN) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == model.RoleAdmin, nil
}

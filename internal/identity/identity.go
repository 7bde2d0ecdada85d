// Package identity resolves who a caller is. The roster itself is owned by another part of
// the application; this package only reads it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dm-service/internal/models"
)

var ErrUnknownUser = errors.New("unknown user")

// Identity is a resolved caller.
type Identity struct {
	UserID string `db:"id" json:"user_id"`
	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
	Role   string `db:"role" json:"role"`
}

// ParticipantID is the id the caller uses inside conversations. Super admins all answer
// from the shared support inbox.
func (i Identity) ParticipantID(alias string) string {
	if i.Role == models.RoleSuperAdmin && alias != "" {
		return alias
	}
	return i.UserID
}

// Sender attributes a message to the caller.
func (i Identity) Sender(alias string) models.Sender {
	return models.Sender{
		ID:    i.ParticipantID(alias),
		Name:  i.Name,
		Email: i.Email,
		Role:  i.Role,
	}
}

// Directory looks up callers by account id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// StaticDirectory is an in-memory Directory. It is read-only after construction.
type StaticDirectory struct {
	users map[string]Identity
}

// NewStaticDirectory builds a directory from the given identities.
func NewStaticDirectory(users ...Identity) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]Identity, len(users))}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	u, ok := d.users[userID]
	if !ok {
		return Identity{}, ErrUnknownUser
	}
	return u, nil
}

// ParseStatic reads "id|name|email|role" records separated by commas.
func ParseStatic(raw string) ([]Identity, error) {
	var out []Identity
	for _, rec := range strings.Split(raw, ",") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.Split(rec, "|")
		if len(parts) != 4 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid user record %q", rec)
		}
		role := strings.TrimSpace(parts[3])
		switch role {
		case models.RoleStudent, models.RoleBatchAdmin, models.RoleSuperAdmin:
		default:
			return nil, fmt.Errorf("invalid role %q in record %q", role, rec)
		}
		out = append(out, Identity{
			UserID: strings.TrimSpace(parts[0]),
			Name:   strings.TrimSpace(parts[1]),
			Email:  strings.TrimSpace(parts[2]),
			Role:   role,
		})
	}
	return out, nil
}

package conversation

import (
	"errors"
	"strings"
)

// DefaultSupportAlias is the well-known identifier every student uses to reach support.
const DefaultSupportAlias = "admin"

// ErrInvalidIdentity is returned for empty, reserved or equal participant identifiers.
var ErrInvalidIdentity = errors.New("invalid participant identity")

// Kind distinguishes real accounts from well-known aliases.
type Kind int

const (
	KindUser Kind = iota
	KindAlias
)

func (k Kind) String() string {
	if k == KindAlias {
		return "alias"
	}
	return "user"
}

// Participant is one side of a two-party conversation.
type Participant struct {
	Kind Kind
	ID   string
}

// User references a real account.
func User(id string) Participant {
	return Participant{Kind: KindUser, ID: strings.TrimSpace(id)}
}

// Alias references a shared, role-based inbox such as support.
func Alias(id string) Participant {
	return Participant{Kind: KindAlias, ID: strings.TrimSpace(id)}
}

// IsAlias reports whether the participant is a well-known alias.
func (p Participant) IsAlias() bool { return p.Kind == KindAlias }

func (p Participant) String() string { return p.ID }

// Validate rejects empty ids and real users squatting on the alias namespace.
func (p Participant) Validate(alias string) error {
	if p.ID == "" {
		return ErrInvalidIdentity
	}
	if p.Kind == KindUser && alias != "" && p.ID == alias {
		return ErrInvalidIdentity
	}
	return nil
}

// Parse maps a raw identifier to a participant, tagging the support alias.
func Parse(raw, alias string) Participant {
	raw = strings.TrimSpace(raw)
	if alias != "" && raw == alias {
		return Alias(raw)
	}
	return User(raw)
}

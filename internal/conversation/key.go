package conversation

import (
	"fmt"
	"strings"
)

const separator = "_"

var (
	escaper   = strings.NewReplacer("%", "%25", "_", "%5F")
	unescaper = strings.NewReplacer("%5F", "_", "%25", "%")
)

// Key returns the canonical conversation key for two participants.
// Key(a, b) == Key(b, a) for every valid pair.
func Key(a, b Participant) (string, error) {
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		return "", ErrInvalidIdentity
	}
	left, right := escaper.Replace(a.ID), escaper.Replace(b.ID)
	if right < left {
		left, right = right, left
	}
	return left + separator + right, nil
}

// KeyFor is Key over raw identifiers.
func KeyFor(a, b string) (string, error) {
	return Key(User(a), User(b))
}

// Split recovers the two participant ids encoded in a key, in key order.
func Split(key string) (string, string, error) {
	parts := strings.Split(key, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed conversation key %q: %w", key, ErrInvalidIdentity)
	}
	return unescaper.Replace(parts[0]), unescaper.Replace(parts[1]), nil
}

// Counterpart returns the participant of key that is not ownerID.
func Counterpart(key, ownerID string) (string, error) {
	a, b, err := Split(key)
	if err != nil {
		return "", err
	}
	switch ownerID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("%q is not a participant of %q: %w", ownerID, key, ErrInvalidIdentity)
}

package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PgDirectory reads the shared users roster.
type PgDirectory struct {
	db *sqlx.DB
}

// NewPgDirectory constructs a PgDirectory.
func NewPgDirectory(db *sqlx.DB) *PgDirectory {
	return &PgDirectory{db: db}
}

// Lookup implements Directory.
func (d *PgDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	var u Identity
	err := d.db.GetContext(ctx, &u, `SELECT id, name, email, role FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

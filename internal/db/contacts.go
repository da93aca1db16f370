package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"flowsend/internal/models"
)

const contactColumns = `id, phone, COALESCE(name, ''), COALESCE(email, ''), status, custom_fields`

func scanContact(row pgx.Row) (*models.Contact, error) {
	var c models.Contact
	var fields []byte
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.Email, &c.Status, &fields); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.CustomFields); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// ContactByPhone resolves identity for a recipient submitted without a
// contact id. Returns nil when no contact holds the phone.
func (s *Store) ContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	c, err := scanContact(s.Pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone=$1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *Store) ContactsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Contact, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*models.Contact, len(ids))
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// OptedOut returns the opt-out flag per contact id.
func (s *Store) OptedOut(ctx context.Context, contactIDs []int64) (map[int64]bool, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id FROM contacts WHERE id = ANY($1) AND status=$2`,
		contactIDs, models.ContactOptOut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

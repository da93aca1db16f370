package db

import (
	"context"

	"flowsend/internal/models"
)

// ActiveSuppressions returns the unexpired suppression entries matching any
// of the phones. Expiry filtering happens in SQL; callers re-check Active
// for entries served from cache.
func (s *Store) ActiveSuppressions(ctx context.Context, phones []string) ([]models.SuppressionEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, phone, reason, source, expires_at, created_at
		 FROM suppressions
		 WHERE phone = ANY($1)
		   AND (expires_at IS NULL OR expires_at > NOW())`,
		phones)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SuppressionEntry
	for rows.Next() {
		var e models.SuppressionEntry
		if err := rows.Scan(&e.ID, &e.Phone, &e.Reason, &e.Source, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertSuppression upserts on phone: a fresh entry extends an existing one
// rather than erroring.
func (s *Store) InsertSuppression(ctx context.Context, entry *models.SuppressionEntry) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO suppressions (phone, reason, source, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (phone) DO UPDATE SET
		   reason=EXCLUDED.reason,
		   source=EXCLUDED.source,
		   expires_at=EXCLUDED.expires_at
		 RETURNING id, created_at`,
		entry.Phone, entry.Reason, entry.Source, entry.ExpiresAt,
	).Scan(&entry.ID, &entry.CreatedAt)
}

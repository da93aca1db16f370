package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed data store behind every consumer interface in
// this module (precheck, workflow, dispatch, suppression, throttle,
// metrics).
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

package pgx

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Postgres implementation of the pipeline storage interfaces.
type Store struct {
	db         dbConn
	staleAfter time.Duration
}

type StoreParams struct {
	// StaleAfter is how long a document may sit in processing before a new
	// run reclaims it. Defaults to 30 minutes.
	StaleAfter time.Duration
}

func NewStore(pool *pgxpool.Pool, params StoreParams) *Store {
	if params.StaleAfter <= 0 {
		params.StaleAfter = 30 * time.Minute
	}
	return &Store{
		db:         pool,
		staleAfter: params.StaleAfter,
	}
}

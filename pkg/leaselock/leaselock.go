package leaselock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrBusy means another process currently holds the pass lock.
var ErrBusy = errors.New("pass lock busy")

// Pass names the batch passes that must run single-flight. The matcher,
// classifier and deduper each rewrite derived state wholesale, so two
// concurrent runs of the same pass would trample each other.
type Pass string

const (
	PassCrossRef Pass = "crossref"
	PassLayers   Pass = "layers"
	PassDedupe   Pass = "dedupe"
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client hands out expiring pass locks backed by the app_locks table.
// A crashed holder's lock simply expires; no unlock path is required for
// recovery.
type Client struct {
	db  dbConn
	ttl time.Duration
}

func New(pool *pgxpool.Pool, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Client{db: pool, ttl: ttl}
}

// WithPass runs fn while holding the lock for the given pass. It returns
// ErrBusy without running fn when another holder is active. The lock is
// renewed in the background for as long as fn runs.
func (c *Client) WithPass(ctx context.Context, pass Pass, fn func(ctx context.Context) error) error {
	holder, err := gonanoid.New()
	if err != nil {
		return err
	}

	acquired, err := c.tryAcquire(ctx, pass, holder)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrBusy
	}

	passCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)
	go c.renewLoop(passCtx, cancel, done, pass, holder)

	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		_, _ = c.db.Exec(releaseCtx, releasePassSQL, string(pass), holder)
	}()

	return fn(passCtx)
}

func (c *Client) tryAcquire(ctx context.Context, pass Pass, holder string) (bool, error) {
	var name string
	err := c.db.QueryRow(ctx, acquirePassSQL, string(pass), holder, c.ttl.Seconds()).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// renewLoop extends the lease until the pass finishes. Losing the lock
// cancels the pass context so the pass stops writing.
func (c *Client) renewLoop(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, pass Pass, holder string) {
	interval := max(c.ttl/3, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, renewCancel := context.WithTimeout(ctx, 15*time.Second)
			var name string
			err := c.db.QueryRow(renewCtx, renewPassSQL, string(pass), holder, c.ttl.Seconds()).Scan(&name)
			renewCancel()
			if errors.Is(err, pgx.ErrNoRows) {
				cancel(errors.New("pass lock expired and was taken over"))
				return
			}
			if err != nil {
				cancel(err)
				return
			}
		}
	}
}

const acquirePassSQL = `
INSERT INTO app_locks (name, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (name) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE app_locks.expires_at < now()
   OR app_locks.holder = EXCLUDED.holder
RETURNING name
`

const renewPassSQL = `
UPDATE app_locks
SET expires_at = now() + make_interval(secs => $3)
WHERE name = $1 AND holder = $2
RETURNING name
`

const releasePassSQL = `
DELETE FROM app_locks
WHERE name = $1 AND holder = $2
`

package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
)

// DBPool abstracts pgxpool.Pool so the remote store can be tested with
// pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlRemoteSchema = `
        CREATE TABLE IF NOT EXISTS identifiers (
            id           TEXT PRIMARY KEY,
            group_size   INTEGER NOT NULL,
            submitted_at TIMESTAMPTZ NOT NULL,
            expires_at   TIMESTAMPTZ NOT NULL,
            show_count   INTEGER NOT NULL DEFAULT 0,
            check_count  INTEGER NOT NULL DEFAULT 0,
            validity     SMALLINT NOT NULL DEFAULT 0
        );
    `
	sqlRemoteSubmit = `
        INSERT INTO identifiers (id, group_size, submitted_at, expires_at, show_count, check_count, validity)
        VALUES ($1, $2, $3, $4, 0, 0, 0)
        ON CONFLICT (id) DO UPDATE SET
            group_size = EXCLUDED.group_size,
            submitted_at = EXCLUDED.submitted_at,
            expires_at = EXCLUDED.expires_at,
            show_count = 0,
            check_count = 0,
            validity = 0;
    `
	sqlRemoteLock = `
        SELECT group_size, show_count, check_count, expires_at, validity
        FROM identifiers WHERE id = $1 FOR UPDATE;
    `
	sqlRemotePending = `
        SELECT id, group_size, show_count, check_count, expires_at
        FROM identifiers WHERE validity = 0
        ORDER BY submitted_at ASC
        FOR UPDATE SKIP LOCKED;
    `
	sqlRemoteSetValidity = `UPDATE identifiers SET validity = $2 WHERE id = $1;`
	sqlRemoteCountShow   = `UPDATE identifiers SET show_count = show_count + 1 WHERE id = $1;`
	sqlRemoteCountCheck  = `UPDATE identifiers SET check_count = check_count + 1 WHERE id = $1;`
)

// Remote is a Store shared by several machines through PostgreSQL. Row
// locks give each identifier one decision at a time.
type Remote struct {
	pool  DBPool
	clock clock.Clock
	log   *zap.Logger
}

var _ Store = (*Remote)(nil)

// NewRemote verifies the connection and returns the store.
func NewRemote(ctx context.Context, pool DBPool, clk clock.Clock, logger *zap.Logger) (*Remote, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Remote{pool: pool, clock: clk, log: logger.Named("validation.remote")}, nil
}

// EnsureSchema creates the identifiers table when missing.
func (r *Remote) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, sqlRemoteSchema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrStore, err)
	}
	return nil
}

// Close releases the pool when it supports closing.
func (r *Remote) Close() error {
	if c, ok := r.pool.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func (r *Remote) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStore, err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrStore, err)
	}
	return nil
}

func (r *Remote) Submit(ctx context.Context, id string, groupSize int) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	now := r.clock.Now().UTC()
	if _, err := r.pool.Exec(ctx, sqlRemoteSubmit, id, groupSize, now, now.Add(Expiry)); err != nil {
		return false, fmt.Errorf("%w: failed to submit %s: %v", ErrStore, id, err)
	}
	return true, nil
}

func (r *Remote) SetValidity(ctx context.Context, id string, v int) error {
	if err := checkValidity(v); err != nil {
		return err
	}
	var err error
	if v == Pending {
		_, err = r.pool.Exec(ctx, sqlRemoteCountShow, id)
	} else {
		_, err = r.pool.Exec(ctx, sqlRemoteSetValidity, id, v)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to set validity of %s: %v", ErrStore, id, err)
	}
	return nil
}

func (r *Remote) GetValidity(ctx context.Context, id string) (int, bool, error) {
	var (
		found    bool
		validity int
	)
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var size, shows, checks int
		var expires time.Time
		err := tx.QueryRow(ctx, sqlRemoteLock, id).Scan(&size, &shows, &checks, &expires, &validity)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read %s: %v", ErrStore, id, err)
		}
		found = true
		if validity != Pending {
			return nil
		}
		if exhausted(size, checks, shows, expires, r.clock.Now()) {
			validity = Invalid
			_, err = tx.Exec(ctx, sqlRemoteSetValidity, id, Invalid)
		} else {
			_, err = tx.Exec(ctx, sqlRemoteCountCheck, id)
		}
		if err != nil {
			return fmt.Errorf("%w: failed to update %s: %v", ErrStore, id, err)
		}
		return nil
	})
	return validity, found, err
}

func (r *Remote) FetchNextPending(ctx context.Context) (string, bool, error) {
	var next string
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sqlRemotePending)
		if err != nil {
			return fmt.Errorf("%w: failed to list pending: %v", ErrStore, err)
		}
		type row struct {
			id                  string
			size, shows, checks int
			expires             time.Time
		}
		var pending []row
		for rows.Next() {
			var p row
			if err := rows.Scan(&p.id, &p.size, &p.shows, &p.checks, &p.expires); err != nil {
				rows.Close()
				return fmt.Errorf("%w: failed to scan pending: %v", ErrStore, err)
			}
			pending = append(pending, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: failed to list pending: %v", ErrStore, err)
		}

		now := r.clock.Now()
		for _, p := range pending {
			if exhausted(p.size, p.checks, p.shows, p.expires, now) {
				if _, err := tx.Exec(ctx, sqlRemoteSetValidity, p.id, Invalid); err != nil {
					return fmt.Errorf("%w: failed to invalidate %s: %v", ErrStore, p.id, err)
				}
				continue
			}
			if _, err := tx.Exec(ctx, sqlRemoteCountCheck, p.id); err != nil {
				return fmt.Errorf("%w: failed to update %s: %v", ErrStore, p.id, err)
			}
			next = p.id
			return nil
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return next, next != "", nil
}

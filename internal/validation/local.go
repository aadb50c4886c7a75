package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
)

const localSchema = `
CREATE TABLE IF NOT EXISTS identifiers (
	id           TEXT PRIMARY KEY,
	group_size   INTEGER NOT NULL,
	submitted_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	show_count   INTEGER NOT NULL DEFAULT 0,
	check_count  INTEGER NOT NULL DEFAULT 0,
	validity     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS identifiers_pending ON identifiers (validity, submitted_at);
`

// Local is a Store backed by a SQLite file.
type Local struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
}

var _ Store = (*Local)(nil)

// OpenLocal opens or creates the database at path.
func OpenLocal(path string, clk clock.Clock, logger *zap.Logger) (*Local, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStore, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to database: %v", ErrStore, err)
	}
	// One connection serializes writers, which is what gives each
	// identifier a single decision at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", localSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to apply schema: %v", ErrStore, err)
		}
	}
	return &Local{db: db, clock: clk, logger: logger.Named("validation.local")}, nil
}

// Close closes the database.
func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStore, err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			l.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrStore, err)
	}
	return nil
}

func (l *Local) Submit(ctx context.Context, id string, groupSize int) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	now := l.clock.Now()
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO identifiers (id, group_size, submitted_at, expires_at, show_count, check_count, validity)
		VALUES (?, ?, ?, ?, 0, 0, 0)`,
		id, groupSize, now.Unix(), now.Add(Expiry).Unix())
	if err != nil {
		return false, fmt.Errorf("%w: failed to submit %s: %v", ErrStore, id, err)
	}
	return true, nil
}

func (l *Local) SetValidity(ctx context.Context, id string, v int) error {
	if err := checkValidity(v); err != nil {
		return err
	}
	query := `UPDATE identifiers SET validity = ? WHERE id = ?`
	args := []any{v, id}
	if v == Pending {
		query = `UPDATE identifiers SET show_count = show_count + 1 WHERE id = ?`
		args = []any{id}
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: failed to set validity of %s: %v", ErrStore, id, err)
	}
	return nil
}

func (l *Local) GetValidity(ctx context.Context, id string) (int, bool, error) {
	var (
		found    bool
		validity int
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var size, shows, checks int
		var expires int64
		err := tx.QueryRowContext(ctx,
			`SELECT group_size, show_count, check_count, expires_at, validity FROM identifiers WHERE id = ?`, id).
			Scan(&size, &shows, &checks, &expires, &validity)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read %s: %v", ErrStore, id, err)
		}
		found = true
		if validity != Pending {
			return nil
		}
		if exhausted(size, checks, shows, time.Unix(expires, 0), l.clock.Now()) {
			validity = Invalid
			_, err = tx.ExecContext(ctx, `UPDATE identifiers SET validity = ? WHERE id = ?`, Invalid, id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE identifiers SET check_count = check_count + 1 WHERE id = ?`, id)
		}
		if err != nil {
			return fmt.Errorf("%w: failed to update %s: %v", ErrStore, id, err)
		}
		return nil
	})
	return validity, found, err
}

func (l *Local) FetchNextPending(ctx context.Context) (string, bool, error) {
	var next string
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, group_size, show_count, check_count, expires_at
			FROM identifiers
			WHERE validity = 0
			ORDER BY submitted_at ASC`)
		if err != nil {
			return fmt.Errorf("%w: failed to list pending: %v", ErrStore, err)
		}
		type row struct {
			id                  string
			size, shows, checks int
			expires             int64
		}
		var pending []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.size, &r.shows, &r.checks, &r.expires); err != nil {
				rows.Close()
				return fmt.Errorf("%w: failed to scan pending: %v", ErrStore, err)
			}
			pending = append(pending, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: failed to list pending: %v", ErrStore, err)
		}

		now := l.clock.Now()
		for _, r := range pending {
			if exhausted(r.size, r.checks, r.shows, time.Unix(r.expires, 0), now) {
				l.logger.Info("Invalidating exhausted identifier.", zap.String("id", r.id))
				if _, err := tx.ExecContext(ctx, `UPDATE identifiers SET validity = ? WHERE id = ?`, Invalid, r.id); err != nil {
					return fmt.Errorf("%w: failed to invalidate %s: %v", ErrStore, r.id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE identifiers SET check_count = check_count + 1 WHERE id = ?`, r.id); err != nil {
				return fmt.Errorf("%w: failed to update %s: %v", ErrStore, r.id, err)
			}
			next = r.id
			return nil
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return next, next != "", nil
}

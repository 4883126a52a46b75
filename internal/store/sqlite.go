package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/dropmint/internal/fixedpoint"
	"github.com/mbd888/dropmint/internal/idgen"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists items, sessions, and cursors in a single SQLite file.
// The connection pool is capped at one connection (db.SetMaxOpenConns(1));
// SQLite's default BEGIN is deferred, so every transaction below opens with
// an explicit BEGIN IMMEDIATE to acquire the write lock up front instead of
// risking an upgrade failure mid-transaction.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and pragma-configures) the SQLite file at path and returns a
// store backed by it. Callers should run migrations separately (cmd/migrate).
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already-open *sql.DB (used by internal/testutil,
// which also owns migration setup).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle for internal/metrics' connection-pool
// gauges.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// SeedItems idempotently inserts items 1..maxSupply if they are not already
// present. Called once at process startup; migrations only create the empty
// table, since the supply cap is operator configuration, not schema.
func (s *SQLiteStore) SeedItems(ctx context.Context, maxSupply int) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for id := 1; id <= maxSupply; id++ {
			if _, err := conn.ExecContext(ctx, `
				INSERT OR IGNORE INTO items (id, content_ref) VALUES (?, ?)`,
				id, fmt.Sprintf("item-%d", id)); err != nil {
				return fmt.Errorf("seed item %d: %w", id, err)
			}
		}
		return nil
	})
}

// withImmediate runs fn inside a BEGIN IMMEDIATE/COMMIT block on a single
// dedicated connection, rolling back on any error fn returns.
func (s *SQLiteStore) withImmediate(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	defer func() {
		if err != nil {
			if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
				slog.Error("store: rollback failed", "error", rbErr)
			}
			return
		}
		if _, cErr := conn.ExecContext(ctx, "COMMIT"); cErr != nil {
			err = fmt.Errorf("commit: %w", cErr)
		}
	}()

	err = fn(ctx, conn)
	return err
}

func (s *SQLiteStore) CreateIntent(ctx context.Context, quantity, maxSupply int, amountFn AmountFunc) (*Session, error) {
	var result *Session

	err := s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var available int
		row := conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM items
			WHERE claimed = 0 AND session_ref IS NULL AND id <= ?`, maxSupply)
		if err := row.Scan(&available); err != nil {
			return fmt.Errorf("count available items: %w", err)
		}
		if available < quantity {
			return ErrInsufficientInventory
		}

		nextID, err := nextSessionSeq(ctx, conn)
		if err != nil {
			return err
		}

		amount, err := amountFn(nextID)
		if err != nil {
			return fmt.Errorf("compute amount: %w", err)
		}
		amountDue := fixedpoint.Format(amount)

		sessionID := idgen.Hex(16)
		now := time.Now()

		_, err = conn.ExecContext(ctx, `
			INSERT INTO sessions (session_id, quantity, amount_due, status, txid, assigned_refs, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)`,
			sessionID, quantity, amountDue, StatusPending, now.Unix(), now.Unix())
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAmountCollision
			}
			return fmt.Errorf("insert session: %w", err)
		}

		res, err := conn.ExecContext(ctx, `
			UPDATE items SET session_ref = ?
			WHERE id IN (
				SELECT id FROM items
				WHERE claimed = 0 AND session_ref IS NULL AND id <= ?
				ORDER BY RANDOM()
				LIMIT ?
			)`, sessionID, maxSupply, quantity)
		if err != nil {
			return fmt.Errorf("reserve items: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve items rows affected: %w", err)
		}
		if int(affected) != quantity {
			return ErrReservationRace
		}

		result = &Session{
			SessionID: sessionID,
			Quantity:  quantity,
			AmountDue: amountDue,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func nextSessionSeq(ctx context.Context, conn *sql.Conn) (int64, error) {
	var current int64
	row := conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'session_seq'`)
	err := row.Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("read session_seq: %w", err)
	}

	next := current + 1
	_, err = conn.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('session_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, next)
	if err != nil {
		return 0, fmt.Errorf("write session_seq: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) AssignAndComplete(ctx context.Context, sessionID, txid string) (*Session, error) {
	var result *Session

	err := s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		sess, err := scanSession(conn.QueryRowContext(ctx, sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}

		if sess.Status != StatusPending && sess.Status != StatusPaymentPending {
			result = sess
			return nil // idempotent: already past this transition
		}

		rows, err := conn.QueryContext(ctx, `
			SELECT id, content_ref FROM items
			WHERE session_ref = ? AND claimed = 0`, sessionID)
		if err != nil {
			return fmt.Errorf("read reserved items: %w", err)
		}
		type ref struct {
			id  int64
			cid string
		}
		var refs []ref
		for rows.Next() {
			var r ref
			if err := rows.Scan(&r.id, &r.cid); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan reserved item: %w", err)
			}
			refs = append(refs, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_ = rows.Close()

		now := time.Now()

		if len(refs) < sess.Quantity {
			if _, err := conn.ExecContext(ctx, `
				UPDATE items SET session_ref = NULL WHERE session_ref = ? AND claimed = 0`, sessionID); err != nil {
				return fmt.Errorf("release items on shortage: %w", err)
			}
			if _, err := conn.ExecContext(ctx, `
				UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
				StatusFailed, now.Unix(), sessionID); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			sess.Status = StatusFailed
			sess.UpdatedAt = now
			result = sess
			return nil
		}

		contentRefs := make([]string, len(refs))
		for i, r := range refs {
			contentRefs[i] = r.cid
		}
		assignedJSON, err := json.Marshal(contentRefs)
		if err != nil {
			return fmt.Errorf("marshal assigned_refs: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE items SET claimed = 1 WHERE session_ref = ? AND claimed = 0`, sessionID); err != nil {
			return fmt.Errorf("claim items: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE sessions SET status = ?, txid = ?, assigned_refs = ?, updated_at = ?
			WHERE session_id = ?`,
			StatusComplete, txid, string(assignedJSON), now.Unix(), sessionID); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}

		sess.Status = StatusComplete
		sess.Txid = txid
		sess.AssignedRefs = contentRefs
		sess.UpdatedAt = now
		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) MarkPaymentPending(ctx context.Context, sessionID, txid string) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := time.Now()
		_, err := conn.ExecContext(ctx, `
			UPDATE sessions SET status = ?, txid = ?, updated_at = ?
			WHERE session_id = ? AND status = ?`,
			StatusPaymentPending, txid, now.Unix(), sessionID, StatusPending)
		if err != nil {
			return fmt.Errorf("mark payment pending: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ExpireOne(ctx context.Context, sessionID string) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return expireSessionLocked(ctx, conn, sessionID)
	})
}

func expireSessionLocked(ctx context.Context, conn *sql.Conn, sessionID string) error {
	res, err := conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
		StatusExpired, time.Now().Unix(), sessionID, StatusPending)
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expire rows affected: %w", err)
	}
	if affected == 0 {
		return nil // not pending anymore; no-op
	}
	if _, err := conn.ExecContext(ctx, `
		UPDATE items SET session_ref = NULL WHERE session_ref = ? AND claimed = 0`, sessionID); err != nil {
		return fmt.Errorf("release items: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete expired session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, error) {
	var expired int

	err := s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT session_id FROM sessions
			WHERE (status = ? AND created_at < ?)
			   OR (status = ? AND updated_at < ?)`,
			StatusPending, pendingBefore.Unix(),
			StatusPaymentPending, paymentPendingBefore.Unix())
		if err != nil {
			return fmt.Errorf("find stale sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan stale session: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_ = rows.Close()

		for _, id := range ids {
			if _, err := conn.ExecContext(ctx, `
				UPDATE items SET session_ref = NULL WHERE session_ref = ? AND claimed = 0`, id); err != nil {
				return fmt.Errorf("release items for %s: %w", id, err)
			}
			if _, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
				return fmt.Errorf("delete session %s: %w", id, err)
			}
		}
		expired = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

const sessionColumns = `SELECT session_id, quantity, amount_due, status, txid, assigned_refs, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumns+` FROM sessions WHERE status IN (?, ?)`,
		StatusPending, StatusPaymentPending)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Progress(ctx context.Context, maxSupply int) (*Progress, error) {
	p := &Progress{Total: maxSupply}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN claimed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN claimed = 0 AND session_ref IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM items WHERE id <= ?`, maxSupply)
	if err := row.Scan(&p.Minted, &p.Reserved); err != nil {
		return nil, fmt.Errorf("progress: %w", err)
	}
	p.Available = p.Total - p.Minted - p.Reserved
	return p, nil
}

func (s *SQLiteStore) Cursor(ctx context.Context, key string) (int64, bool, error) {
	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, "cursor:"+key)
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}
	var height int64
	if _, err := fmt.Sscanf(raw, "%d", &height); err != nil {
		return 0, false, fmt.Errorf("parse cursor: %w", err)
	}
	return height, true, nil
}

func (s *SQLiteStore) SetCursor(ctx context.Context, key string, height int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		"cursor:"+key, fmt.Sprintf("%d", height))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess         Session
		txid         sql.NullString
		assignedJSON sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := sc.Scan(&sess.SessionID, &sess.Quantity, &sess.AmountDue, &sess.Status,
		&txid, &assignedJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Txid = txid.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if assignedJSON.Valid && assignedJSON.String != "" {
		if err := json.Unmarshal([]byte(assignedJSON.String), &sess.AssignedRefs); err != nil {
			return nil, fmt.Errorf("unmarshal assigned_refs: %w", err)
		}
	}
	return &sess, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

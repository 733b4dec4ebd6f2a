package beeps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists accounts, sessions, documents, and operation logs for
// the sync server. Operations are insert-only: the primary key on
// (document_id, timestamp, counter, node) makes duplicate pushes no-ops.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	jti        TEXT PRIMARY KEY,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	issued_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	document_id INTEGER NOT NULL REFERENCES documents(id),
	timestamp   TEXT NOT NULL,
	counter     INTEGER NOT NULL,
	node        INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	ping        TEXT,
	tag         TEXT,
	minutes     INTEGER,
	PRIMARY KEY (document_id, timestamp, counter, node)
);

CREATE INDEX IF NOT EXISTS idx_operations_pull
	ON operations (document_id, node, timestamp DESC, counter DESC);
`

// OpenStore opens (and if needed creates) the database at the given URL.
// Accepts a plain path, a file: URL, or a sqlite:// URL.
func OpenStore(databaseURL string) (*Store, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite://")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Account is one registered principal and its document.
type Account struct {
	ID           int64
	Email        string
	PasswordHash string
	DocumentID   int64
}

// CreateAccount registers an email and creates its document. Returns
// ErrEmailTaken if the email exists.
func (s *Store) CreateAccount(ctx context.Context, email, passwordHash string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE email = ?)`, email,
	).Scan(&exists); err != nil {
		return Account{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return Account{}, ErrEmailTaken
	}

	now := FormatInstant(time.Now())

	res, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, passwordHash, now)
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	accountID, err := res.LastInsertId()
	if err != nil {
		return Account{}, fmt.Errorf("account id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO documents (account_id, created_at, updated_at) VALUES (?, ?, ?)`,
		accountID, now, now)
	if err != nil {
		return Account{}, fmt.Errorf("insert document: %w", err)
	}
	documentID, err := res.LastInsertId()
	if err != nil {
		return Account{}, fmt.Errorf("document id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit: %w", err)
	}

	return Account{ID: accountID, Email: email, PasswordHash: passwordHash, DocumentID: documentID}, nil
}

// AccountByEmail fetches an account and its document by email. Returns
// ErrAuth if no such account exists.
func (s *Store) AccountByEmail(ctx context.Context, email string) (Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.email, a.password_hash, d.id
		   FROM accounts a JOIN documents d ON d.account_id = a.id
		  WHERE a.email = ?`, email,
	).Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.DocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAuth
	}
	if err != nil {
		return Account{}, fmt.Errorf("select account: %w", err)
	}
	return acct, nil
}

// AccountByID fetches an account by its row ID. Returns ErrAuth if it
// does not exist.
func (s *Store) AccountByID(ctx context.Context, id int64) (Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.email, a.password_hash, d.id
		   FROM accounts a JOIN documents d ON d.account_id = a.id
		  WHERE a.id = ?`, id,
	).Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.DocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAuth
	}
	if err != nil {
		return Account{}, fmt.Errorf("select account: %w", err)
	}
	return acct, nil
}

// RecordSession notes an issued token for audit.
func (s *Store) RecordSession(ctx context.Context, jti string, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (jti, account_id, issued_at) VALUES (?, ?, ?)`,
		jti, accountID, FormatInstant(time.Now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const opKindAddPing = "add_ping"
const opKindSetTag = "set_tag"
const opKindSetMinutes = "set_minutes_per_ping"

// InsertOps durably appends operations to a document's log. Ops whose
// clock is already present are skipped. Returns how many rows were new.
func (s *Store) InsertOps(ctx context.Context, documentID int64, ops []TimestampedOp) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO operations (document_id, timestamp, counter, node, kind, ping, tag, minutes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, top := range ops {
		var kind string
		var ping, tag sql.NullString
		var minutes sql.NullInt64

		switch top.Op.Kind {
		case OpAddPing:
			kind = opKindAddPing
			ping = sql.NullString{String: FormatInstant(top.Op.When), Valid: true}
		case OpSetTag:
			kind = opKindSetTag
			ping = sql.NullString{String: FormatInstant(top.Op.When), Valid: true}
			if top.Op.Tag != nil {
				tag = sql.NullString{String: *top.Op.Tag, Valid: true}
			}
		case OpSetMinutesPerPing:
			kind = opKindSetMinutes
			minutes = sql.NullInt64{Int64: int64(top.Op.Minutes), Valid: true}
		default:
			return 0, fmt.Errorf("%w: unknown op kind %d", ErrBadRequest, top.Op.Kind)
		}

		res, err := stmt.ExecContext(ctx,
			documentID,
			FormatInstant(top.Clock.Timestamp),
			top.Clock.Counter,
			top.Clock.Node,
			kind, ping, tag, minutes)
		if err != nil {
			return 0, fmt.Errorf("insert op: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET updated_at = ? WHERE id = ?`,
		FormatInstant(time.Now()), documentID); err != nil {
		return 0, fmt.Errorf("touch document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// OpsSince returns the operations for a document strictly above the given
// per-node watermarks, sorted by clock. Ops from nodes absent from the
// map are returned in full. A nil map returns everything.
func (s *Store) OpsSince(ctx context.Context, documentID int64, since map[NodeID]Watermark) ([]TimestampedOp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, counter, node, kind, ping, tag, minutes
		   FROM operations
		  WHERE document_id = ?
		  ORDER BY timestamp, counter, node`, documentID)
	if err != nil {
		return nil, fmt.Errorf("select ops: %w", err)
	}
	defer rows.Close()

	var out []TimestampedOp
	for rows.Next() {
		top, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		if wm, ok := since[top.Clock.Node]; ok && wm.Covers(top.Clock) {
			continue
		}
		out = append(out, top)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan ops: %w", err)
	}
	return out, nil
}

// DocumentIDs lists every document, for the backup sweep.
func (s *Store) DocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanOp(rows *sql.Rows) (TimestampedOp, error) {
	var ts, kind string
	var counter, node uint16
	var ping, tag sql.NullString
	var minutes sql.NullInt64
	if err := rows.Scan(&ts, &counter, &node, &kind, &ping, &tag, &minutes); err != nil {
		return TimestampedOp{}, fmt.Errorf("scan op: %w", err)
	}

	stamp, err := ParseInstant(ts)
	if err != nil {
		return TimestampedOp{}, err
	}
	top := TimestampedOp{Clock: Hlc{Timestamp: stamp, Counter: counter, Node: NodeID(node)}}

	switch kind {
	case opKindAddPing:
		when, err := ParseInstant(ping.String)
		if err != nil {
			return TimestampedOp{}, err
		}
		top.Op = AddPing(when)
	case opKindSetTag:
		when, err := ParseInstant(ping.String)
		if err != nil {
			return TimestampedOp{}, err
		}
		var t *string
		if tag.Valid {
			t = &tag.String
		}
		top.Op = SetTag(when, t)
	case opKindSetMinutes:
		top.Op = SetMinutesPerPing(int(minutes.Int64))
	default:
		return TimestampedOp{}, fmt.Errorf("unknown op kind %q in store", kind)
	}
	return top, nil
}

package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pulsecrypt/internal/domain"
)

// SQLite is a DirectoryService persisted in a SQLite database. It backs the
// directory server and the "sqlite" directory mode.
type SQLite struct {
	db *sql.DB
}

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS public_key (
	user_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	public_key BLOB NOT NULL,
	algorithm TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	is_active INTEGER NOT NULL,
	PRIMARY KEY (user_id, key_id)
);
CREATE TABLE IF NOT EXISTS key_exchange (
	conversation_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	key_id TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	method TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, version)
);
CREATE TABLE IF NOT EXISTS key_exchange_status (
	user1_id TEXT NOT NULL,
	user2_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	completed INTEGER NOT NULL,
	last_rotation INTEGER,
	PRIMARY KEY (user1_id, user2_id),
	CHECK (user1_id < user2_id)
);
CREATE TABLE IF NOT EXISTS migration (
	name TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS legacy_key (
	conversation_id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS legacy_participant (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS group_key_version (
	group_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, version)
);
CREATE TABLE IF NOT EXISTS group_key (
	group_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	recipient_id TEXT NOT NULL,
	envelope BLOB NOT NULL,
	PRIMARY KEY (group_id, version, recipient_id)
);
`

// OpenSQLite opens or creates the database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("directory: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("directory: open db: %w", err)
	}
	// One writer; SQLite serialises anyway and this keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: set busy timeout: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

// runMigrations brings the schema to schemaVersion.
func runMigrations(db *sql.DB) error {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) GetPublicKey(ctx context.Context, user domain.UserID) (domain.PublishedKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, public_key, algorithm, created_at, expires_at, is_active
		FROM public_key WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, string(user))

	var (
		k       = domain.PublishedKey{UserID: user}
		pub     []byte
		created int64
		expires sql.NullInt64
	)
	err := row.Scan(&k.KeyID, &pub, &k.Algorithm, &created, &expires, &k.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PublishedKey{}, fmt.Errorf("public key of %s: %w", user, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PublishedKey{}, fmt.Errorf("directory: load public key: %w", err)
	}
	if len(pub) != len(k.PublicKey) {
		return domain.PublishedKey{}, fmt.Errorf("directory: public key of %s has %d bytes", user, len(pub))
	}
	copy(k.PublicKey[:], pub)
	k.CreatedAt = fromUnix(created)
	k.ExpiresAt = fromNull(expires)
	return k, nil
}

func (s *SQLite) PublishPublicKey(ctx context.Context, k domain.PublishedKey) error {
	if err := validatePublishedKey(k); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO public_key
			(user_id, key_id, public_key, algorithm, created_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(k.UserID), string(k.KeyID), k.PublicKey[:], k.Algorithm,
		toUnix(k.CreatedAt), toNull(k.ExpiresAt), k.IsActive)
	if err != nil {
		return fmt.Errorf("directory: save public key: %w", err)
	}
	return nil
}

func (s *SQLite) DeactivatePublicKeys(ctx context.Context, user domain.UserID, keep domain.KeyID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE public_key SET is_active = 0 WHERE user_id = ? AND key_id != ?",
		string(user), string(keep))
	if err != nil {
		return fmt.Errorf("directory: deactivate public keys: %w", err)
	}
	return nil
}

func (s *SQLite) RecordKeyExchangeMetadata(ctx context.Context, rec domain.KeyExchangeRecord) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if rec.IsActive {
			if _, err := tx.ExecContext(ctx,
				"UPDATE key_exchange SET is_active = 0 WHERE conversation_id = ?",
				string(rec.ConversationID)); err != nil {
				return fmt.Errorf("directory: deactivate key exchange: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO key_exchange
				(conversation_id, version, key_id, created_by, created_at, expires_at, method, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rec.ConversationID), rec.Version, string(rec.KeyID), string(rec.CreatedBy),
			toUnix(rec.CreatedAt), toNull(rec.ExpiresAt), string(rec.Method), rec.IsActive)
		if err != nil {
			return fmt.Errorf("directory: save key exchange: %w", err)
		}
		return nil
	})
}

// KeyExchangeRecords returns the recorded key metadata of conv by version.
func (s *SQLite) KeyExchangeRecords(ctx context.Context, conv domain.ConversationID) ([]domain.KeyExchangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, key_id, created_by, created_at, expires_at, method, is_active
		FROM key_exchange WHERE conversation_id = ? ORDER BY version`, string(conv))
	if err != nil {
		return nil, fmt.Errorf("directory: list key exchange: %w", err)
	}
	defer rows.Close()

	var out []domain.KeyExchangeRecord
	for rows.Next() {
		rec := domain.KeyExchangeRecord{ConversationID: conv}
		var created int64
		var expires sql.NullInt64
		if err := rows.Scan(&rec.Version, &rec.KeyID, &rec.CreatedBy, &created, &expires, &rec.Method, &rec.IsActive); err != nil {
			return nil, fmt.Errorf("directory: scan key exchange: %w", err)
		}
		rec.CreatedAt = fromUnix(created)
		rec.ExpiresAt = fromNull(expires)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SetKeyExchangeStatus(ctx context.Context, st domain.KeyExchangeStatus) error {
	st = orderStatus(st)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO key_exchange_status
			(user1_id, user2_id, conversation_id, completed, last_rotation)
		VALUES (?, ?, ?, ?, ?)`,
		string(st.User1ID), string(st.User2ID), string(st.ConversationID), st.Completed, toNull(st.LastRotation))
	if err != nil {
		return fmt.Errorf("directory: save key exchange status: %w", err)
	}
	return nil
}

func (s *SQLite) GetKeyExchangeStatus(ctx context.Context, a, b domain.UserID) (domain.KeyExchangeStatus, bool, error) {
	if b < a {
		a, b = b, a
	}
	st := domain.KeyExchangeStatus{User1ID: a, User2ID: b}
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, completed, last_rotation
		FROM key_exchange_status WHERE user1_id = ? AND user2_id = ?`,
		string(a), string(b)).Scan(&st.ConversationID, &st.Completed, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KeyExchangeStatus{}, false, nil
	}
	if err != nil {
		return domain.KeyExchangeStatus{}, false, fmt.Errorf("directory: load key exchange status: %w", err)
	}
	st.LastRotation = fromNull(last)
	return st, true, nil
}

func (s *SQLite) GetMigrationStatus(ctx context.Context, name string) (domain.MigrationStatus, error) {
	st := domain.MigrationStatus{Name: name}
	var started, completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, started_at, completed_at, error_message, processed, failed
		FROM migration WHERE name = ?`, name).
		Scan(&st.Status, &started, &completed, &st.ErrorMessage, &st.Processed, &st.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MigrationStatus{Name: name, Status: domain.MigrationNotStarted}, nil
	}
	if err != nil {
		return domain.MigrationStatus{}, fmt.Errorf("directory: load migration: %w", err)
	}
	st.StartedAt = fromNull(started)
	st.CompletedAt = fromNull(completed)
	return st, nil
}

func (s *SQLite) SetMigrationStatus(ctx context.Context, st domain.MigrationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO migration
			(name, status, started_at, completed_at, error_message, processed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.Name, string(st.Status), toNull(st.StartedAt), toNull(st.CompletedAt),
		st.ErrorMessage, st.Processed, st.Failed)
	if err != nil {
		return fmt.Errorf("directory: save migration: %w", err)
	}
	return nil
}

// AddLegacyKey seeds a record of the server-stored key scheme.
func (s *SQLite) AddLegacyKey(ctx context.Context, rec domain.LegacyKeyRecord) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return putLegacy(ctx, tx, rec)
	})
}

func putLegacy(ctx context.Context, tx *sql.Tx, rec domain.LegacyKeyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("directory: encode legacy key: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO legacy_key (conversation_id, record) VALUES (?, ?)",
		string(rec.ConversationID), b); err != nil {
		return fmt.Errorf("directory: save legacy key: %w", err)
	}
	for _, p := range rec.Participants {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO legacy_participant (conversation_id, user_id) VALUES (?, ?)",
			string(rec.ConversationID), string(p)); err != nil {
			return fmt.Errorf("directory: save legacy participant: %w", err)
		}
	}
	return nil
}

func (s *SQLite) ListLegacyKeys(ctx context.Context, user domain.UserID) ([]domain.LegacyKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.record FROM legacy_key k
		JOIN legacy_participant p ON p.conversation_id = k.conversation_id
		WHERE p.user_id = ? ORDER BY k.conversation_id`, string(user))
	if err != nil {
		return nil, fmt.Errorf("directory: list legacy keys: %w", err)
	}
	defer rows.Close()

	var out []domain.LegacyKeyRecord
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("directory: scan legacy key: %w", err)
		}
		var rec domain.LegacyKeyRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("directory: decode legacy key: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) GetLegacyKey(ctx context.Context, conv domain.ConversationID) (domain.LegacyKeyRecord, error) {
	return getLegacy(ctx, s.db.QueryRowContext(ctx,
		"SELECT record FROM legacy_key WHERE conversation_id = ?", string(conv)), conv)
}

func getLegacy(_ context.Context, row *sql.Row, conv domain.ConversationID) (domain.LegacyKeyRecord, error) {
	var b []byte
	err := row.Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LegacyKeyRecord{}, fmt.Errorf("legacy key of %s: %w", conv, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LegacyKeyRecord{}, fmt.Errorf("directory: load legacy key: %w", err)
	}
	var rec domain.LegacyKeyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return domain.LegacyKeyRecord{}, fmt.Errorf("directory: decode legacy key: %w", err)
	}
	return rec, nil
}

func (s *SQLite) MarkLegacyKeyMigrated(ctx context.Context, conv domain.ConversationID) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		rec, err := getLegacy(ctx, tx.QueryRowContext(ctx,
			"SELECT record FROM legacy_key WHERE conversation_id = ?", string(conv)), conv)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.MigrationCompleted = true
		rec.MigratedAt = &now
		return putLegacy(ctx, tx, rec)
	})
}

func (s *SQLite) DeleteLegacyKeys(ctx context.Context, convs []domain.ConversationID) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, c := range convs {
			for _, q := range []string{
				"DELETE FROM legacy_participant WHERE conversation_id = ?",
				"DELETE FROM legacy_key WHERE conversation_id = ?",
			} {
				if _, err := tx.ExecContext(ctx, q, string(c)); err != nil {
					return fmt.Errorf("directory: delete legacy key: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *SQLite) PublishGroupKey(
	ctx context.Context,
	group domain.ConversationID,
	version int,
	envs []domain.GroupKeyEnvelope,
) error {
	if err := validateGroupEnvelopes(group, version, envs); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO group_key_version (group_id, version, created_at) VALUES (?, ?, ?)",
			string(group), version, toUnix(time.Now()))
		if isConstraintError(err) {
			return fmt.Errorf("group %s version %d: %w", group, version, domain.ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("directory: save group key version: %w", err)
		}
		for _, e := range envs {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("directory: encode group key: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO group_key (group_id, version, recipient_id, envelope) VALUES (?, ?, ?, ?)",
				string(group), version, string(e.RecipientID), b); err != nil {
				return fmt.Errorf("directory: save group key: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) GetGroupKeyEnvelope(
	ctx context.Context,
	group domain.ConversationID,
	version int,
	member domain.UserID,
) (domain.GroupKeyEnvelope, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT envelope FROM group_key WHERE group_id = ? AND version = ? AND recipient_id = ?",
		string(group), version, string(member)).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupKeyEnvelope{}, fmt.Errorf("group %s version %d for %s: %w", group, version, member, domain.ErrNotFound)
	}
	if err != nil {
		return domain.GroupKeyEnvelope{}, fmt.Errorf("directory: load group key: %w", err)
	}
	var env domain.GroupKeyEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return domain.GroupKeyEnvelope{}, fmt.Errorf("directory: decode group key: %w", err)
	}
	return env, nil
}

func (s *SQLite) LatestGroupKeyVersion(ctx context.Context, group domain.ConversationID) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM group_key_version WHERE group_id = ?", string(group)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("directory: latest group key version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("directory: commit: %w", err)
	}
	return nil
}

// isConstraintError checks if the error is a uniqueness violation.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

var _ domain.DirectoryService = (*SQLite)(nil)

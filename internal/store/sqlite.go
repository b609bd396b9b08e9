package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"termbroker/internal/model"
	"termbroker/internal/store/migrations"
)

// SQLiteStore implements Store on a local SQLite database using the pure-Go
// modernc driver.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return wrapDBError(err)
	}
	return nil
}

// wrapDBError folds driver errors into the store taxonomy so callers can tell
// a validation failure from an outage.
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *SQLiteStore) SaveUser(ctx context.Context, user *model.User) error {
	settings, err := json.Marshal(orEmptySettings(user.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, email, password_hash, settings, created_at, last_login_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Username, nullableString(user.Email), user.PasswordHash,
			string(settings), user.CreatedAt, user.LastLoginAt)
		if err != nil {
			return wrapDBError(err)
		}
		return replaceDevices(ctx, tx, user.ID, user.Devices)
	})
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, user *model.User) error {
	settings, err := json.Marshal(orEmptySettings(user.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET username = ?, email = ?, password_hash = ?, settings = ?, last_login_at = ?
			 WHERE id = ?`,
			user.Username, nullableString(user.Email), user.PasswordHash,
			string(settings), user.LastLoginAt, user.ID)
		if err != nil {
			return wrapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDBError(err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return replaceDevices(ctx, tx, user.ID, user.Devices)
	})
}

// replaceDevices applies full-replace semantics for a user's device set:
// delete then reinsert inside the caller's transaction.
func replaceDevices(ctx context.Context, tx DBTX, userID string, devices []model.Device) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ?`, userID); err != nil {
		return wrapDBError(err)
	}
	for _, d := range devices {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO devices (id, user_id, name, type, platform, last_seen_at, trusted, public_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, userID, d.Name, string(d.Type), d.Platform, d.LastSeenAt, d.Trusted, d.PublicKey)
		if err != nil {
			return wrapDBError(err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUserWhere(ctx, "username = ?", username)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*model.User, error) {
	user := &model.User{}
	var email sql.NullString
	var settings string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, settings, created_at, last_login_at
		 FROM users WHERE `+where, arg).
		Scan(&user.ID, &user.Username, &email, &user.PasswordHash, &settings,
			&user.CreatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, wrapDBError(err)
	}
	user.Email = email.String
	if err := json.Unmarshal([]byte(settings), &user.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	devices, err := s.getDevices(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Devices = devices
	return user, nil
}

func (s *SQLiteStore) getDevices(ctx context.Context, userID string) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, type, platform, last_seen_at, trusted, public_key
		 FROM devices WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var result []model.Device
	for rows.Next() {
		var d model.Device
		var typ string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &typ, &d.Platform,
			&d.LastSeenAt, &d.Trusted, &d.PublicKey); err != nil {
			return nil, wrapDBError(err)
		}
		d.Type = model.DeviceType(typ)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err)
	}
	return result, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	env, settings, err := encodeSessionBlobs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, device_id, working_directory, environment, status, settings, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.DeviceID, sess.WorkingDirectory,
		env, string(sess.Status), settings, sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return wrapDBError(err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	env, settings, err := encodeSessionBlobs(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET working_directory = ?, environment = ?, status = ?, settings = ?, last_activity_at = ?
		 WHERE id = ?`,
		sess.WorkingDirectory, env, string(sess.Status), settings, sess.LastActivityAt, sess.ID)
	if err != nil {
		return wrapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionActivity(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return wrapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, working_directory, environment, status, settings, created_at, last_activity_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	return s.querySessions(ctx,
		`SELECT id, user_id, device_id, working_directory, environment, status, settings, created_at, last_activity_at
		 FROM sessions WHERE user_id = ? ORDER BY last_activity_at DESC`, userID)
}

func (s *SQLiteStore) GetInactiveSessions(ctx context.Context, cutoff int64) ([]model.Session, error) {
	return s.querySessions(ctx,
		`SELECT id, user_id, device_id, working_directory, environment, status, settings, created_at, last_activity_at
		 FROM sessions WHERE last_activity_at < ? AND status != ?`,
		cutoff, string(model.SessionInactive))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err)
	}
	return result, nil
}

func (s *SQLiteStore) CleanupOldSessions(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UnixMilli() - int64(olderThanDays)*24*time.Hour.Milliseconds()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND last_activity_at < ?`,
		string(model.SessionInactive), cutoff)
	if err != nil {
		return 0, wrapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var env, status, settings string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.WorkingDirectory,
		&env, &status, &settings, &sess.CreatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, wrapDBError(err)
	}
	sess.Status = model.SessionStatus(status)
	if err := json.Unmarshal([]byte(env), &sess.Environment); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &sess.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return sess, nil
}

func encodeSessionBlobs(sess *model.Session) (env string, settings string, err error) {
	envMap := sess.Environment
	if envMap == nil {
		envMap = map[string]string{}
	}
	envBytes, err := json.Marshal(envMap)
	if err != nil {
		return "", "", fmt.Errorf("encode environment: %w", err)
	}
	settingsBytes, err := json.Marshal(orEmptySettings(sess.Settings))
	if err != nil {
		return "", "", fmt.Errorf("encode settings: %w", err)
	}
	return string(envBytes), string(settingsBytes), nil
}

func orEmptySettings(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/varkas/deathwatch/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func formatTimestampPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable foreign keys, WAL mode for better performance, and busy timeout for concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	// Create tables
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- User registry methods ---

// UpsertUser writes the full user record. The engine owns user state, so
// every field except created_at is overwritten on conflict.
func (s *Store) UpsertUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (
			steam_id, platform_id, dead, dead_until, death_at, last_death_server,
			last_alive_sec, active_server, home_server, validation_pending,
			validated_at, last_voice_channel, last_voice_seen_at, death_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(steam_id) DO UPDATE SET
			platform_id = excluded.platform_id,
			dead = excluded.dead,
			dead_until = excluded.dead_until,
			death_at = excluded.death_at,
			last_death_server = excluded.last_death_server,
			last_alive_sec = excluded.last_alive_sec,
			active_server = excluded.active_server,
			home_server = excluded.home_server,
			validation_pending = excluded.validation_pending,
			validated_at = excluded.validated_at,
			last_voice_channel = excluded.last_voice_channel,
			last_voice_seen_at = excluded.last_voice_seen_at,
			death_count = excluded.death_count,
			updated_at = excluded.updated_at
	`, u.SteamID, u.PlatformID, u.Dead, formatTimestampPtr(u.DeadUntil),
		formatTimestampPtr(u.DeathAt), u.LastDeathServer, nullableInt(u.LastAliveSec),
		u.ActiveServer, u.HomeServer, u.ValidationPending,
		formatTimestampPtr(u.ValidatedAt), u.LastVoiceChannel,
		formatTimestampPtr(u.LastVoiceSeenAt), u.DeathCount,
		formatTimestamp(u.CreatedAt), formatTimestamp(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.SteamID, err)
	}
	return nil
}

const userColumns = `steam_id, platform_id, dead, dead_until, death_at, last_death_server,
	last_alive_sec, active_server, home_server, validation_pending, validated_at,
	last_voice_channel, last_voice_seen_at, death_count, created_at, updated_at`

// GetUser returns the user with the given steam id, or sql.ErrNoRows.
func (s *Store) GetUser(ctx context.Context, steamID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE steam_id = ?
	`, steamID)
	return scanUserRow(row)
}

// GetUserByPlatformID returns the user linked to a chat-platform account.
func (s *Store) GetUserByPlatformID(ctx context.Context, platformID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE platform_id = ? AND platform_id != ''
	`, platformID)
	return scanUserRow(row)
}

// GetAllUsers returns every registry record. The registry tracks one
// community, so loading it whole is fine.
func (s *Store) GetAllUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY steam_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SearchUsers returns a page of users matching the search term (steam or
// platform id prefix), plus the total match count.
func (s *Store) SearchUsers(ctx context.Context, search string, limit, offset int) ([]domain.User, int, error) {
	pattern := search + "%"

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE steam_id LIKE ? OR platform_id LIKE ?
	`, pattern, pattern).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE steam_id LIKE ? OR platform_id LIKE ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, pattern, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

// GetDeadUsers returns users currently marked dead, for timer re-arming at
// startup.
func (s *Store) GetDeadUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE dead = 1 ORDER BY steam_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// GetDeathLeaderboard returns the users with the most recorded deaths.
func (s *Store) GetDeathLeaderboard(ctx context.Context, limit int) ([]domain.DeathLeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT steam_id, death_count, last_death_server FROM users
		WHERE death_count > 0
		ORDER BY death_count DESC, steam_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.DeathLeaderboardEntry
	rank := 0
	for rows.Next() {
		var e domain.DeathLeaderboardEntry
		if err := rows.Scan(&e.SteamID, &e.DeathCount, &e.LastDeathServer); err != nil {
			return nil, err
		}
		rank++
		e.Rank = rank
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WipeUsers deletes every registry record and returns how many were removed.
func (s *Store) WipeUsers(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, fmt.Errorf("wiping users: %w", err)
	}
	return result.RowsAffected()
}

// --- Cursor methods ---

// Cursor is the durable read position of one server's log stream.
type Cursor struct {
	ServerID  string    `json:"server_id"`
	File      string    `json:"file"`
	Offset    int64     `json:"offset"`
	Finalized bool      `json:"finalized"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetCursor returns the live cursor for a server, or nil if the server has
// never been tailed.
func (s *Store) GetCursor(ctx context.Context, serverID string) (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, file, pos, finalized, updated_at FROM cursors
		WHERE server_id = ? AND finalized = 0
		ORDER BY updated_at DESC LIMIT 1
	`, serverID).Scan(&c.ServerID, &c.File, &c.Offset, &c.Finalized, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCursor records the live read position after a processed batch. Reusing
// a finalized file name revives that row as the live cursor.
func (s *Store) SaveCursor(ctx context.Context, serverID, file string, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (server_id, file, pos, finalized, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(server_id, file) DO UPDATE SET
			pos = excluded.pos,
			finalized = 0,
			updated_at = excluded.updated_at
	`, serverID, file, offset, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("saving cursor %s/%s: %w", serverID, file, err)
	}
	return nil
}

// FinalizeCursor freezes the old file's position on rotation. The row is
// kept so the final offset of every rotated-out file stays on record.
func (s *Store) FinalizeCursor(ctx context.Context, serverID, file string, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (server_id, file, pos, finalized, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(server_id, file) DO UPDATE SET
			pos = excluded.pos,
			finalized = 1,
			updated_at = excluded.updated_at
	`, serverID, file, offset, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("finalizing cursor %s/%s: %w", serverID, file, err)
	}
	return nil
}

// GetCursorHistory returns all cursor rows for a server, live first.
func (s *Store) GetCursorHistory(ctx context.Context, serverID string) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, file, pos, finalized, updated_at FROM cursors
		WHERE server_id = ? ORDER BY finalized ASC, updated_at DESC
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.ServerID, &c.File, &c.Offset, &c.Finalized, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// --- Audit methods ---

// AppendAudit writes one append-only audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (id, ts, actor, action, steam_id, server_id, result, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTimestamp(e.Timestamp), e.Actor, e.Action, e.SteamID, e.ServerID, e.Result, e.Detail)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// GetAuditEntries returns the most recent audit entries, newest first.
func (s *Store) GetAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, actor, action, steam_id, server_id, result, detail
		FROM audit ORDER BY ts DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.SteamID, &e.ServerID, &e.Result, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Operator account methods ---

// Operator represents an admin API account
type Operator struct {
	ID                     int64
	Username               string
	PasswordHash           string
	IsAdmin                bool
	PasswordChangeRequired bool
	CreatedAt              time.Time
	LastLogin              *time.Time
}

// CreateOperator creates a new operator account
func (s *Store) CreateOperator(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (username, password_hash, is_admin, password_change_required)
		VALUES (?, ?, ?, FALSE)
	`, username, passwordHash, isAdmin)
	return err
}

// GetOperatorByUsername retrieves an operator by username
func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM operators WHERE username = ?
	`, username)
	return scanOperator(row)
}

// GetOperatorByID retrieves an operator by ID
func (s *Store) GetOperatorByID(ctx context.Context, id int64) (*Operator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM operators WHERE id = ?
	`, id)
	return scanOperator(row)
}

// DeleteOperator removes an operator by username
func (s *Store) DeleteOperator(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM operators WHERE username = ?`, username)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("operator not found: %s", username)
	}
	return nil
}

// ListOperators returns all operator accounts
func (s *Store) ListOperators(ctx context.Context) ([]Operator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM operators ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// UpdateOperatorLastLogin updates the last login timestamp
func (s *Store) UpdateOperatorLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operators SET last_login = ? WHERE id = ?
	`, formatTimestamp(time.Now()), id)
	return err
}

// UpdateOperatorPassword updates a password and clears the change-required flag
func (s *Store) UpdateOperatorPassword(ctx context.Context, id int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operators SET password_hash = ?, password_change_required = FALSE WHERE id = ?
	`, newPasswordHash, id)
	return err
}

// ResetOperatorPassword sets a new temporary password (admin action)
func (s *Store) ResetOperatorPassword(ctx context.Context, id int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operators SET password_hash = ?, password_change_required = TRUE WHERE id = ?
	`, newPasswordHash, id)
	return err
}

// UpdateOperatorAdmin sets the admin flag for an operator
func (s *Store) UpdateOperatorAdmin(ctx context.Context, id int64, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operators SET is_admin = ? WHERE id = ?
	`, isAdmin, id)
	return err
}

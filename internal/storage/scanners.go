package storage

import (
	"database/sql"
	"time"

	"github.com/varkas/deathwatch/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func scanNullInt64ToIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanUserRow scans a full user registry row
func scanUserRow(s scanner) (*domain.User, error) {
	var u domain.User
	var deadUntil, deathAt, validatedAt, lastVoiceSeenAt sql.NullTime
	var lastAliveSec sql.NullInt64
	err := s.Scan(&u.SteamID, &u.PlatformID, &u.Dead, &deadUntil, &deathAt,
		&u.LastDeathServer, &lastAliveSec, &u.ActiveServer, &u.HomeServer,
		&u.ValidationPending, &validatedAt, &u.LastVoiceChannel, &lastVoiceSeenAt,
		&u.DeathCount, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.DeadUntil = scanNullTime(deadUntil)
	u.DeathAt = scanNullTime(deathAt)
	u.ValidatedAt = scanNullTime(validatedAt)
	u.LastVoiceSeenAt = scanNullTime(lastVoiceSeenAt)
	u.LastAliveSec = scanNullInt64ToIntPtr(lastAliveSec)
	return &u, nil
}

// scanOperator scans an operator account row
func scanOperator(s scanner) (*Operator, error) {
	var op Operator
	var lastLogin sql.NullTime
	err := s.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.IsAdmin,
		&op.PasswordChangeRequired, &op.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	op.LastLogin = scanNullTime(lastLogin)
	return &op, nil
}

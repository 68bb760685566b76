package domain

import (
	"regexp"
	"time"
)

// User represents one game identity tracked across every configured server.
// A user exists once no matter how many servers they play on; dead and
// validation_pending are independent flags, each an independent reason to
// appear in ban files.
type User struct {
	SteamID           string     `json:"steam_id"`
	PlatformID        string     `json:"platform_id,omitempty"` // linked chat-platform account id
	Dead              bool       `json:"dead"`
	DeadUntil         *time.Time `json:"dead_until,omitempty"` // nil while dead means no scheduled revive (admin ban)
	DeathAt           *time.Time `json:"death_at,omitempty"`
	LastDeathServer   string     `json:"last_death_server,omitempty"`
	LastAliveSec      *int       `json:"last_alive_sec,omitempty"` // seconds survived before the last death
	ActiveServer      string     `json:"active_server,omitempty"`
	HomeServer        string     `json:"home_server,omitempty"` // first server the user was observed on
	ValidationPending bool       `json:"validation_pending"`
	ValidatedAt       *time.Time `json:"validated_at,omitempty"` // set once presence validation has passed
	LastVoiceChannel  string     `json:"last_voice_channel,omitempty"`
	LastVoiceSeenAt   *time.Time `json:"last_voice_seen_at,omitempty"`
	DeathCount        int        `json:"death_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DefaultSteamIDMinDigits is the shortest identity accepted when the config
// does not override the minimum.
const DefaultSteamIDMinDigits = 16

// steamIDRegex matches bare numeric platform identities.
var steamIDRegex = regexp.MustCompile(`^[0-9]+$`)

// ValidSteamID reports whether s is a plausible numeric game identity:
// digits only, at least minDigits long. minDigits <= 0 selects the default.
func ValidSteamID(s string, minDigits int) bool {
	if minDigits <= 0 {
		minDigits = DefaultSteamIDMinDigits
	}
	return len(s) >= minDigits && steamIDRegex.MatchString(s)
}

// DeathLeaderboardEntry is one row of the death leaderboard.
type DeathLeaderboardEntry struct {
	Rank            int    `json:"rank"`
	SteamID         string `json:"steam_id"`
	DeathCount      int    `json:"death_count"`
	LastDeathServer string `json:"last_death_server,omitempty"`
}

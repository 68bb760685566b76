package collector

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds found in dl_*.ljson files
const (
	KindDeath      = "PLAYER_DEATH"
	KindConnect    = "PLAYER_CONNECT"
	KindDisconnect = "PLAYER_DISCONNECT"
)

// LogEvent is one decoded log line
type LogEvent struct {
	Kind      string
	ServerID  string
	SteamID   string
	AliveSec  *int
	Timestamp time.Time
}

// rawLine mirrors the LJSON wire shape. The player object is kept loose:
// different log writers disagree on key spelling and on whether the steam id
// is a string or a number.
type rawLine struct {
	TS     string                     `json:"ts"`
	Event  string                     `json:"event"`
	Player map[string]json.RawMessage `json:"player"`
}

// ParseLine decodes one LJSON log line into a LogEvent. It returns
// (nil, nil) for valid lines of a kind this system does not track, and an
// error for undecodable or incomplete lines. Unknown kinds and errors are
// both counted as skipped by the caller; neither aborts the stream.
func ParseLine(serverID, line string) (*LogEvent, error) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("decoding log line: %w", err)
	}
	if raw.Event == "" {
		return nil, fmt.Errorf("log line has no event field")
	}

	switch raw.Event {
	case KindDeath, KindConnect, KindDisconnect:
	default:
		return nil, nil
	}

	ev := &LogEvent{
		Kind:      raw.Event,
		ServerID:  serverID,
		Timestamp: parseEventTime(raw.TS),
	}

	ev.SteamID = steamIDFromPlayer(raw.Player)
	if ev.SteamID == "" {
		return nil, fmt.Errorf("%s line has no steam id", raw.Event)
	}
	if sec, ok := intField(raw.Player, "aliveSec"); ok {
		ev.AliveSec = &sec
	}
	return ev, nil
}

// steamIDFromPlayer extracts the steam id, tolerating the key spellings and
// value types seen in the wild.
func steamIDFromPlayer(player map[string]json.RawMessage) string {
	for _, key := range []string{"steamId", "steamID", "steam_id"} {
		raw, ok := player[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// intField reads an integer-valued player field.
func intField(player map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := player[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int(f), true
}

// parseEventTime parses the ts field; a missing or unparseable timestamp
// falls back to the receive time.
func parseEventTime(ts string) time.Time {
	if ts == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

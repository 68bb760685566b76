package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_Death(t *testing.T) {
	line := `{"ts":"2025-04-01T12:00:00Z","event":"PLAYER_DEATH","player":{"steamId":"76561198000000001","aliveSec":1234}}`

	ev, err := ParseLine("alpha", line)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, KindDeath, ev.Kind)
	assert.Equal(t, "alpha", ev.ServerID)
	assert.Equal(t, "76561198000000001", ev.SteamID)
	require.NotNil(t, ev.AliveSec)
	assert.Equal(t, 1234, *ev.AliveSec)
	assert.Equal(t, time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestParseLine_ConnectAndDisconnect(t *testing.T) {
	for _, kind := range []string{KindConnect, KindDisconnect} {
		line := `{"ts":"2025-04-01T12:00:00Z","event":"` + kind + `","player":{"steamId":"76561198000000001"}}`

		ev, err := ParseLine("alpha", line)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, kind, ev.Kind)
		assert.Nil(t, ev.AliveSec)
	}
}

func TestParseLine_SteamIDKeySpellings(t *testing.T) {
	for _, key := range []string{"steamId", "steamID", "steam_id"} {
		line := `{"event":"PLAYER_DEATH","player":{"` + key + `":"76561198000000001"}}`

		ev, err := ParseLine("alpha", line)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, "76561198000000001", ev.SteamID)
	}
}

func TestParseLine_NumericSteamID(t *testing.T) {
	line := `{"event":"PLAYER_DEATH","player":{"steamId":76561198000000001}}`

	ev, err := ParseLine("alpha", line)
	require.NoError(t, err)
	assert.Equal(t, "76561198000000001", ev.SteamID)
}

func TestParseLine_UntrackedKindIsSkipped(t *testing.T) {
	line := `{"ts":"2025-04-01T12:00:00Z","event":"CHAT_MESSAGE","player":{"steamId":"76561198000000001"}}`

	ev, err := ParseLine("alpha", line)
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseLine_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"broken json", `{"event":"PLAYER_DEATH","player":`},
		{"no event field", `{"ts":"2025-04-01T12:00:00Z","player":{"steamId":"76561198000000001"}}`},
		{"death without steam id", `{"event":"PLAYER_DEATH","player":{"name":"ghost"}}`},
		{"death without player", `{"event":"PLAYER_DEATH"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseLine("alpha", tt.line)
			assert.Error(t, err)
			assert.Nil(t, ev)
		})
	}
}

func TestParseLine_TimestampLayouts(t *testing.T) {
	want := time.Date(2025, 4, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		ts   string
	}{
		{"rfc3339", "2025-04-01T12:30:00Z"},
		{"rfc3339 with offset", "2025-04-01T14:30:00+02:00"},
		{"rfc3339 nano", "2025-04-01T12:30:00.000000000Z"},
		{"space separated", "2025-04-01 12:30:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := `{"ts":"` + tt.ts + `","event":"PLAYER_DEATH","player":{"steamId":"76561198000000001"}}`
			ev, err := ParseLine("alpha", line)
			require.NoError(t, err)
			assert.True(t, ev.Timestamp.Equal(want), "got %s", ev.Timestamp)
		})
	}
}

func TestParseLine_UnparseableTimestampFallsBack(t *testing.T) {
	line := `{"ts":"yesterday","event":"PLAYER_DEATH","player":{"steamId":"76561198000000001"}}`

	ev, err := ParseLine("alpha", line)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Minute)
}

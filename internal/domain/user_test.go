package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSteamID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		minDigits int
		want      bool
	}{
		{"seventeen digit id", "76561198012345678", 0, true},
		{"sixteen digit id", "7656119801234567", 0, true},
		{"too short", "765611980123456", 0, false},
		{"letter in id", "76561198O1234567", 0, false},
		{"empty", "", 0, false},
		{"negative sign", "-656119801234567", 0, false},
		{"custom minimum", "12345", 5, true},
		{"below custom minimum", "1234", 5, false},
		{"zero minimum uses default", "7656119801234567", 0, true},
		{"negative minimum uses default", "765611980123456", -3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSteamID(tt.id, tt.minDigits))
		})
	}
}

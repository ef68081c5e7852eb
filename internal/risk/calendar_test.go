package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/config"
)

func newYorkCalendar(t *testing.T) (*MarketCalendar, *time.Location) {
	t.Helper()
	cal, err := NewMarketCalendar(config.Default().Session)
	require.NoError(t, err)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return cal, loc
}

func TestMarketCalendar_IsOpen(t *testing.T) {
	cal, ny := newYorkCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid session", time.Date(2026, 10, 14, 11, 0, 0, 0, ny), true},
		{"at open", time.Date(2026, 10, 14, 9, 30, 0, 0, ny), true},
		{"at close", time.Date(2026, 10, 14, 16, 0, 0, 0, ny), true},
		{"premarket", time.Date(2026, 10, 14, 7, 0, 0, 0, ny), false},
		{"after close", time.Date(2026, 10, 14, 16, 1, 0, 0, ny), false},
		{"saturday", time.Date(2026, 10, 17, 11, 0, 0, 0, ny), false},
		{"thanksgiving", time.Date(2026, 11, 26, 11, 0, 0, 0, ny), false},
		// 14:00 UTC is 10:00 in New York during daylight time
		{"utc input", time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.IsOpen(tt.at))
		})
	}
}

func TestMarketCalendar_NextOpen(t *testing.T) {
	cal, ny := newYorkCalendar(t)

	// friday evening rolls to monday
	next := cal.NextOpen(time.Date(2026, 10, 16, 18, 0, 0, 0, ny))
	assert.Equal(t, time.Date(2026, 10, 19, 9, 30, 0, 0, ny), next.In(ny))

	// early morning opens the same day
	next = cal.NextOpen(time.Date(2026, 10, 19, 6, 0, 0, 0, ny))
	assert.Equal(t, time.Date(2026, 10, 19, 9, 30, 0, 0, ny), next.In(ny))

	// wednesday before thanksgiving skips the holiday
	next = cal.NextOpen(time.Date(2026, 11, 25, 17, 0, 0, 0, ny))
	assert.Equal(t, time.Date(2026, 11, 27, 9, 30, 0, 0, ny), next.In(ny))

	open := time.Date(2026, 10, 14, 11, 0, 0, 0, ny)
	assert.Equal(t, open, cal.NextOpen(open))
}

func TestMarketCalendar_AfterHoursAndNil(t *testing.T) {
	cfg := config.Default().Session
	cfg.AllowAfterHours = true
	cal, err := NewMarketCalendar(cfg)
	require.NoError(t, err)
	sunday := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsOpen(sunday))

	var none *MarketCalendar
	assert.True(t, none.IsOpen(sunday))
	assert.True(t, none.TradingDay(sunday))
}

func TestNewMarketCalendar_RejectsBadTimes(t *testing.T) {
	cfg := config.Default().Session
	cfg.Open = "9am"
	_, err := NewMarketCalendar(cfg)
	assert.Error(t, err)
}

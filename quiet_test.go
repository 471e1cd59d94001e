package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, min, sec int) time.Time {
	return time.Date(2024, 3, 10, hour, min, sec, 0, time.UTC)
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	w, err := NewQuietWindow("22", "07")
	require.NoError(t, err)

	cases := []struct {
		at    time.Time
		quiet bool
	}{
		{at(21, 59, 59), false},
		{at(22, 0, 0), true},
		{at(23, 30, 0), true},
		{at(0, 0, 0), true},
		{at(6, 59, 59), true},
		{at(7, 0, 0), false},
		{at(12, 0, 0), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.quiet, w.IsQuiet(c.at), c.at.Format("15:04:05"))
	}
}

func TestQuietWindowSameDay(t *testing.T) {
	w, err := NewQuietWindow("9", "17:30")
	require.NoError(t, err)

	assert.False(t, w.IsQuiet(at(8, 59, 0)))
	assert.True(t, w.IsQuiet(at(9, 0, 0)))
	assert.True(t, w.IsQuiet(at(17, 29, 0)))
	assert.False(t, w.IsQuiet(at(17, 30, 0)))
	assert.False(t, w.IsQuiet(at(23, 0, 0)))
}

func TestQuietWindowDisabled(t *testing.T) {
	w, err := NewQuietWindow("5", "5")
	require.NoError(t, err)

	assert.False(t, w.Enabled())
	for h := range 24 {
		assert.False(t, w.IsQuiet(at(h, 0, 0)), "hour %d", h)
	}
	assert.Equal(t, "off", w.String())
}

func TestQuietWindowUntil(t *testing.T) {
	w, err := NewQuietWindow("22", "7")
	require.NoError(t, err)

	assert.Equal(t, 7*time.Hour+30*time.Minute, w.Until(at(23, 30, 0)))
	assert.Equal(t, time.Hour, w.Until(at(6, 0, 0)))
	assert.Equal(t, 27000, w.SecondsUntilEnd(at(23, 30, 0)))

	half := at(23, 30, 0).Add(500 * time.Millisecond)
	assert.Equal(t, 27000, w.SecondsUntilEnd(half), "rounds up")
}

func TestQuietWindowUntilUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	w, err := NewQuietWindow("22", "7")
	require.NoError(t, err)

	// 21:00Z is 23:00 at UTC+2.
	local := time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC).In(loc)
	require.True(t, w.IsQuiet(local))
	assert.Equal(t, 8*time.Hour, w.Until(local))
}

func TestParseClock(t *testing.T) {
	good := map[string]int{"0": 0, "7": 420, "07": 420, "7:30": 450, "23:59": 1439}
	for in, want := range good {
		got, err := parseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "24", "-1", "7:5", "7:60", "ab", "7:xx"} {
		_, err := parseClock(in)
		assert.Error(t, err, in)
	}
}

func TestQuietWindowString(t *testing.T) {
	w, err := NewQuietWindow("22", "7:15")
	require.NoError(t, err)
	assert.Equal(t, "22:00–07:15", w.String())
}

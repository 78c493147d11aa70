package limits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHashes struct {
	fields map[string]string
	err    error
	reads  int
}

func (f *fakeHashes) HashGetAll(context.Context, string) (map[string]string, error) {
	f.reads++
	return f.fields, f.err
}

var defaultLimits = Limits{DailyLimit: 20, HourlyLimit: 0, CooldownMinutes: 0, BypassRoles: []string{"admin"}}

func TestRedisSettings_ReadsEveryCall(t *testing.T) {
	hashes := &fakeHashes{fields: map[string]string{
		FieldDailyLimit:      "3",
		FieldHourlyLimit:     "2",
		FieldCooldownMinutes: "15",
		FieldBypassRoles:     "admin, Moderator ,",
	}}
	s := NewRedisSettings(hashes, "voicecast:broadcast_limits", defaultLimits, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Limits{DailyLimit: 3, HourlyLimit: 2, CooldownMinutes: 15, BypassRoles: []string{"admin", "moderator"}}, got)

	hashes.fields[FieldDailyLimit] = "4"
	got, err = s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, got.DailyLimit)
	assert.Equal(t, 2, hashes.reads)
}

func TestRedisSettings_FallsBackPerField(t *testing.T) {
	hashes := &fakeHashes{fields: map[string]string{
		FieldDailyLimit:  "lots",
		FieldHourlyLimit: "-1",
	}}
	s := NewRedisSettings(hashes, "k", defaultLimits, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultLimits, got)
}

func TestRedisSettings_UnavailableServesDefaults(t *testing.T) {
	hashes := &fakeHashes{err: errors.New("connection refused")}
	s := NewRedisSettings(hashes, "k", defaultLimits, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultLimits, got)
}

func TestStaticSettings_ReturnsCopy(t *testing.T) {
	s := StaticSettings{Limits: defaultLimits}
	got, err := s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	got.BypassRoles[0] = "nobody"
	assert.Equal(t, "admin", defaultLimits.BypassRoles[0])
}

func TestHashValuesRoundTripThroughRedisSettings(t *testing.T) {
	want := Limits{DailyLimit: 7, HourlyLimit: 3, CooldownMinutes: 5, BypassRoles: []string{"admin", "staff"}}
	s := NewRedisSettings(&fakeHashes{fields: HashValues(want)}, "k", defaultLimits, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.GetBroadcastLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBypasses(t *testing.T) {
	l := Limits{BypassRoles: []string{"admin"}}
	assert.True(t, l.Bypasses("admin"))
	assert.False(t, l.Bypasses("member"))
	assert.False(t, l.Bypasses(""))
	assert.True(t, l.Bypasses("Admin"))
	assert.True(t, l.Bypasses(" ADMIN "))

	mixed := Limits{BypassRoles: []string{"Moderator"}}
	assert.True(t, mixed.Bypasses("moderator"))
}

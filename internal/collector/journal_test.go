package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJournal(out string, err error) *JournalSource {
	return &JournalSource{run: func(context.Context, []string) ([]byte, error) {
		return []byte(out), err
	}}
}

func TestJournalParsesLines(t *testing.T) {
	out := `{"MESSAGE":"Out of memory: kill process 1234","PRIORITY":"2","__REALTIME_TIMESTAMP":"1724457600000000","_SYSTEMD_UNIT":"caddy.service"}
{"MESSAGE":"connection refused","PRIORITY":"3","SYSLOG_IDENTIFIER":"postgres"}
not-json
{"MESSAGE":"no unit fields","PRIORITY":"3"}`

	recs := fakeJournal(out, nil).Recent(context.Background(), 5*time.Minute)
	require.Len(t, recs, 3)

	assert.Equal(t, "caddy", recs[0].Service)
	assert.Equal(t, "critical", recs[0].Severity)
	assert.Equal(t, time.UnixMicro(1724457600000000).UTC(), recs[0].Timestamp)

	assert.Equal(t, "postgres", recs[1].Service)
	assert.Equal(t, "error", recs[1].Severity)

	assert.Equal(t, "unknown", recs[2].Service)
}

func TestJournalServicePrecedence(t *testing.T) {
	// UNIT wins over the other identity fields.
	out := `{"MESSAGE":"x","PRIORITY":"3","UNIT":"redis.service","_SYSTEMD_UNIT":"other.service","CONTAINER_NAME":"c1","SYSLOG_IDENTIFIER":"s1"}`
	recs := fakeJournal(out, nil).Recent(context.Background(), time.Minute)
	require.Len(t, recs, 1)
	assert.Equal(t, "redis", recs[0].Service)

	out = `{"MESSAGE":"x","PRIORITY":"3","CONTAINER_NAME":"app-db","SYSLOG_IDENTIFIER":"s1"}`
	recs = fakeJournal(out, nil).Recent(context.Background(), time.Minute)
	require.Len(t, recs, 1)
	assert.Equal(t, "app-db", recs[0].Service)
}

func TestJournalWindowClampsToOneMinute(t *testing.T) {
	var argv []string
	j := &JournalSource{run: func(_ context.Context, a []string) ([]byte, error) {
		argv = a
		return nil, nil
	}}

	j.Recent(context.Background(), 30*time.Second)
	require.Contains(t, argv, "--since")
	assert.Contains(t, argv, "-1min", "sub-minute windows must still look back")

	j.Recent(context.Background(), 5*time.Minute)
	assert.Contains(t, argv, "-5min")
}

func TestJournalFailureIsSwallowed(t *testing.T) {
	recs := fakeJournal("", errors.New("journalctl: command not found")).Recent(context.Background(), time.Minute)
	assert.Empty(t, recs)
}

func TestCollectorGroupsByService(t *testing.T) {
	c := New(nil, 5*time.Minute)
	c.journal = fakeJournal(
		`{"MESSAGE":"a","PRIORITY":"3","UNIT":"caddy.service"}
{"MESSAGE":"b","PRIORITY":"3","UNIT":"caddy.service"}
{"MESSAGE":"c","PRIORITY":"3","UNIT":"redis.service"}`, nil)

	grouped := c.Collect(context.Background())
	assert.Len(t, grouped, 2)
	assert.Len(t, grouped["caddy"], 2)
	assert.Len(t, grouped["redis"], 1)
}

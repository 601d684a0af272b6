package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor returns an executor whose subprocess layer records argv and
// returns canned output.
func fakeExecutor(out string, err error) (*Executor, *[][]string) {
	var calls [][]string
	e := New()
	e.run = func(_ context.Context, argv []string) (string, error) {
		calls = append(calls, argv)
		return out, err
	}
	return e, &calls
}

func TestUnknownActionFails(t *testing.T) {
	e, calls := fakeExecutor("", nil)

	res := e.Execute(context.Background(), "reboot_host", "caddy")
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "unknown action")
	assert.Empty(t, *calls, "no subprocess should run")
}

func TestRestartServiceChecksRestartableList(t *testing.T) {
	e, calls := fakeExecutor("", nil)

	res := e.Execute(context.Background(), "restart_service", "sshd")
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "not in the restartable list")
	assert.Empty(t, *calls)
}

func TestRestartServiceRunsSystemctl(t *testing.T) {
	e, calls := fakeExecutor("ok", nil)

	res := e.Execute(context.Background(), "restart_service", "caddy")
	assert.True(t, res.Success)
	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"/usr/bin/systemctl", "restart", "caddy"}, (*calls)[0])
}

func TestTargetSanitized(t *testing.T) {
	e, calls := fakeExecutor("ok", nil)

	// A stray shell metacharacter is stripped before the argv is built; the
	// cleaned name still has to pass the restartable gate.
	res := e.Execute(context.Background(), "restart_service", "caddy;")
	assert.True(t, res.Success)
	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"/usr/bin/systemctl", "restart", "caddy"}, (*calls)[0])

	// A full injection attempt collapses to a token that is not a known
	// service, so nothing runs.
	res = e.Execute(context.Background(), "restart_service", "caddy; rm -rf /")
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "not in the restartable list")
	assert.Len(t, *calls, 1, "rejected target must not reach a subprocess")
}

func TestSanitizeTarget(t *testing.T) {
	assert.Equal(t, "caddy", SanitizeTarget(" caddy "))
	assert.Equal(t, "caddyrm-rf", SanitizeTarget("caddy;$(rm -rf /)"))
	assert.Equal(t, "img_1.2-rc", SanitizeTarget("img_1.2-rc"))
	assert.Equal(t, "", SanitizeTarget("$()"))
}

func TestFailureCapturesOutputAndError(t *testing.T) {
	e, _ := fakeExecutor("unit not found", errors.New("exit status 5"))

	res := e.Execute(context.Background(), "check_disk_usage", "")
	assert.False(t, res.Success)
	assert.True(t, strings.Contains(res.Output, "unit not found"))
	assert.True(t, strings.Contains(res.Output, "exit status 5"))
}

func TestFixedActionsIgnoreTarget(t *testing.T) {
	e, calls := fakeExecutor("Filesystem  Size", nil)

	res := e.Execute(context.Background(), "check_disk_usage", "whatever")
	assert.True(t, res.Success)
	assert.Equal(t, "Filesystem  Size", res.Output)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/usr/bin/df", (*calls)[0][0])
}

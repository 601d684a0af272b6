// Package executor runs the closed catalogue of Tier-1 actions on the local
// host. Action gating by kind happens upstream in the safety validator; the
// executor only re-checks restart targets against the restartable list.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Result is the outcome of one action execution.
type Result struct {
	Success bool
	Output  string
}

// catalogueEntry binds an action name to a fixed argument vector. Commands
// are absolute paths and never pass through a shell.
type catalogueEntry struct {
	argv    func(target string) []string
	timeout time.Duration
	// needsTarget actions require a sanitized service/image argument.
	needsTarget bool
}

// restartableServices is the hard-coded set of units restart_service and
// restart_container may touch.
var restartableServices = map[string]bool{
	"caddy":            true,
	"nginx":            true,
	"postgresql":       true,
	"redis":            true,
	"docker":           true,
	"systemd-resolved": true,
	"wopr-engine":      true,
	"fail2ban":         true,
}

var targetSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// runner executes an argv with a timeout and returns combined output. Split
// out so tests can substitute a fake.
type runner func(ctx context.Context, argv []string) (string, error)

// Executor dispatches catalogue actions to subprocesses.
type Executor struct {
	run       runner
	catalogue map[string]catalogueEntry
}

// New creates an executor backed by real subprocesses.
func New() *Executor {
	return &Executor{
		run:       runCommand,
		catalogue: buildCatalogue(),
	}
}

// Execute runs the named action for a service. Unknown actions and
// non-restartable targets fail with a diagnostic instead of an error; the
// caller records the result either way.
func (e *Executor) Execute(ctx context.Context, action, service string) Result {
	entry, ok := e.catalogue[action]
	if !ok {
		return Result{Success: false, Output: fmt.Sprintf("unknown action %q: not in executor catalogue", action)}
	}

	target := SanitizeTarget(service)
	if entry.needsTarget {
		if target == "" {
			return Result{Success: false, Output: fmt.Sprintf("action %q requires a service target", action)}
		}
		if (action == "restart_service" || action == "restart_container") && !restartableServices[target] {
			return Result{Success: false, Output: fmt.Sprintf("service %q is not in the restartable list", target)}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	argv := entry.argv(target)
	out, err := e.run(cctx, argv)
	if err != nil {
		slog.Warn("action failed", "action", action, "service", target, "error", err)
		return Result{Success: false, Output: strings.TrimSpace(out + "\n" + err.Error())}
	}
	return Result{Success: true, Output: strings.TrimSpace(out)}
}

// SanitizeTarget strips anything outside [A-Za-z0-9._-] from an
// interpolation target.
func SanitizeTarget(s string) string {
	return targetSanitizer.ReplaceAllString(strings.TrimSpace(s), "")
}

func buildCatalogue() map[string]catalogueEntry {
	fixed := func(argv ...string) func(string) []string {
		return func(string) []string { return argv }
	}

	return map[string]catalogueEntry{
		"restart_service": {
			argv:        func(t string) []string { return []string{"/usr/bin/systemctl", "restart", t} },
			timeout:     30 * time.Second,
			needsTarget: true,
		},
		"restart_container": {
			argv:        func(t string) []string { return []string{"/usr/bin/docker", "restart", t} },
			timeout:     30 * time.Second,
			needsTarget: true,
		},
		"pull_container_image": {
			argv:        func(t string) []string { return []string{"/usr/bin/docker", "pull", t} },
			timeout:     30 * time.Second,
			needsTarget: true,
		},
		"reload_caddy": {
			argv:    fixed("/usr/bin/systemctl", "reload", "caddy"),
			timeout: 10 * time.Second,
		},
		"clear_tmp": {
			argv:    fixed("/usr/bin/find", "/tmp", "-type", "f", "-mtime", "+1", "-delete"),
			timeout: 30 * time.Second,
		},
		"rotate_logs": {
			argv:    fixed("/usr/sbin/logrotate", "-f", "/etc/logrotate.conf"),
			timeout: 30 * time.Second,
		},
		"check_disk_usage": {
			argv:    fixed("/usr/bin/df", "-h"),
			timeout: 10 * time.Second,
		},
		"check_memory": {
			argv:    fixed("/usr/bin/free", "-m"),
			timeout: 10 * time.Second,
		},
		"dns_flush": {
			argv:    fixed("/usr/bin/resolvectl", "flush-caches"),
			timeout: 10 * time.Second,
		},
	}
}

// runCommand executes argv and captures combined output. A timeout surfaces
// as a failed result, never a panic or hang.
func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command %s timed out", argv[0])
	}
	return string(out), err
}

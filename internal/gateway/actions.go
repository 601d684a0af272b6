package gateway

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/wopr/fleet/internal/identity"
)

// ErrUnknownAction means the action id is not in the catalogue.
var ErrUnknownAction = errors.New("unknown action")

// Action is one pre-approved remediation command. Templates interpolate
// {name}-style parameters; substitutions never reach a shell unsanitized.
type Action struct {
	ID             string `yaml:"id" json:"id"`
	Description    string `yaml:"description" json:"description"`
	RequiredTier   string `yaml:"required_tier" json:"required_tier"`
	Command        string `yaml:"command" json:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Catalogue is the loaded set of remediation actions.
type Catalogue struct {
	actions []Action
	byID    map[string]*Action
}

type catalogueFile struct {
	Actions []Action `yaml:"actions"`
}

// LoadCatalogue reads an action file, or falls back to the built-in set
// when path is empty.
func LoadCatalogue(path string) (*Catalogue, error) {
	actions := builtinActions()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read actions file: %w", err)
		}
		var file catalogueFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse actions file: %w", err)
		}
		actions = file.Actions
	}

	c := &Catalogue{actions: actions, byID: make(map[string]*Action, len(actions))}
	for i := range c.actions {
		a := &c.actions[i]
		if a.ID == "" || a.Command == "" {
			return nil, fmt.Errorf("action %d: id and command are required", i)
		}
		if _, ok := identity.ParseTier(a.RequiredTier); !ok {
			return nil, fmt.Errorf("action %s: invalid required_tier %q", a.ID, a.RequiredTier)
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("action %s: duplicate id", a.ID)
		}
		c.byID[a.ID] = a
	}
	return c, nil
}

// List returns all actions.
func (c *Catalogue) List() []Action {
	return c.actions
}

// Get returns one action by id.
func (c *Catalogue) Get(id string) (*Action, error) {
	a, ok := c.byID[id]
	if !ok {
		return nil, ErrUnknownAction
	}
	return a, nil
}

// RequiredTier returns the tier the action demands, independent of the
// endpoint's own gate.
func (a *Action) Tier() identity.AccessTier {
	tier, _ := identity.ParseTier(a.RequiredTier)
	return tier
}

// Timeout bounds the remote execution, defaulting to 30 seconds.
func (a *Action) Timeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

var (
	placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	unsafeCharsRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// SanitizeParam strips every character outside [A-Za-z0-9._-].
func SanitizeParam(v string) string {
	return unsafeCharsRe.ReplaceAllString(v, "")
}

// Render interpolates params into the command template. Unknown
// placeholders render empty; every substitution is sanitized.
func (a *Action) Render(params map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(a.Command, func(m string) string {
		name := strings.Trim(m, "{}")
		return SanitizeParam(params[name])
	})
}

func builtinActions() []Action {
	return []Action{
		{
			ID:           "restart-service",
			Description:  "Restart a systemd unit",
			RequiredTier: "remediate",
			Command:      "sudo systemctl restart {service}",
		},
		{
			ID:           "restart-container",
			Description:  "Restart a Docker container",
			RequiredTier: "remediate",
			Command:      "sudo docker restart {container}",
		},
		{
			ID:           "clear-tmp",
			Description:  "Delete stale files under /tmp",
			RequiredTier: "remediate",
			Command:      "sudo find /tmp -type f -mtime +1 -delete",
		},
		{
			ID:           "disk-usage",
			Description:  "Report filesystem usage",
			RequiredTier: "diag",
			Command:      "df -h",
		},
		{
			ID:           "service-status",
			Description:  "Show a systemd unit's status",
			RequiredTier: "diag",
			Command:      "systemctl status {service} --no-pager",
		},
	}
}

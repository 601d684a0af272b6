// Package identity parses the forwarded-authentication headers set by the
// edge proxy and maps group membership onto the three access tiers.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

// AccessTier is one of the three fixed privilege levels. Higher tiers
// inherit everything below them.
type AccessTier int

const (
	AccessDiag AccessTier = iota + 1
	AccessRemediate
	AccessBreakglass
)

func (t AccessTier) String() string {
	switch t {
	case AccessDiag:
		return "diag"
	case AccessRemediate:
		return "remediate"
	case AccessBreakglass:
		return "breakglass"
	}
	return "unknown"
}

// ParseTier maps the wire name onto an AccessTier.
func ParseTier(s string) (AccessTier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "diag":
		return AccessDiag, true
	case "remediate":
		return AccessRemediate, true
	case "breakglass":
		return AccessBreakglass, true
	}
	return 0, false
}

// Fixed group names assigned by the edge authenticator.
const (
	GroupDiag       = "wopr-support-diag"
	GroupRemediate  = "wopr-support-remediate"
	GroupBreakglass = "wopr-support-breakglass"
)

// Forwarded header names.
const (
	HeaderUID      = "X-Authentik-UID"
	HeaderUsername = "X-Authentik-Username"
	HeaderEmail    = "X-Authentik-Email"
	HeaderGroups   = "X-Authentik-Groups"
)

// ErrUnauthenticated means the identity headers were absent or incomplete.
var ErrUnauthenticated = errors.New("missing forwarded identity")

// Identity is the authenticated caller as asserted by the edge.
type Identity struct {
	UID      string
	Username string
	Email    string
	Groups   []string
}

// FromRequest extracts the caller identity. UID and username are mandatory.
func FromRequest(r *http.Request) (*Identity, error) {
	uid := r.Header.Get(HeaderUID)
	username := r.Header.Get(HeaderUsername)
	if uid == "" || username == "" {
		return nil, ErrUnauthenticated
	}

	var groups []string
	for _, g := range strings.Split(r.Header.Get(HeaderGroups), "|") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}

	return &Identity{
		UID:      uid,
		Username: username,
		Email:    r.Header.Get(HeaderEmail),
		Groups:   groups,
	}, nil
}

// Tier returns the highest tier the identity's groups grant, or 0.
func (id *Identity) Tier() AccessTier {
	var best AccessTier
	for _, g := range id.Groups {
		switch g {
		case GroupBreakglass:
			if best < AccessBreakglass {
				best = AccessBreakglass
			}
		case GroupRemediate:
			if best < AccessRemediate {
				best = AccessRemediate
			}
		case GroupDiag:
			if best < AccessDiag {
				best = AccessDiag
			}
		}
	}
	return best
}

// Allows reports whether the identity can act at the required tier.
func (id *Identity) Allows(required AccessTier) bool {
	return id.Tier() >= required
}

package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRequestRequiresHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := FromRequest(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Set(HeaderUID, "u-1")
	_, err = FromRequest(r)
	assert.ErrorIs(t, err, ErrUnauthenticated, "username is also required")
}

func TestTierInheritance(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderUID, "u-1")
	r.Header.Set(HeaderUsername, "alex")
	r.Header.Set(HeaderGroups, "staff|"+GroupRemediate)

	id, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, AccessRemediate, id.Tier())
	assert.True(t, id.Allows(AccessDiag), "remediate inherits diag")
	assert.True(t, id.Allows(AccessRemediate))
	assert.False(t, id.Allows(AccessBreakglass))
}

func TestTierPicksHighestGroup(t *testing.T) {
	id := &Identity{Groups: []string{GroupDiag, GroupBreakglass}}
	assert.Equal(t, AccessBreakglass, id.Tier())
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("Breakglass")
	require.True(t, ok)
	assert.Equal(t, AccessBreakglass, tier)

	_, ok = ParseTier("admin")
	assert.False(t, ok)
}

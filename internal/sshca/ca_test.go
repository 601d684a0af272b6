package sshca

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wopr/fleet/internal/config"
	"github.com/wopr/fleet/internal/identity"
)

type fakeGate struct {
	active   map[string]bool
	recorded map[string]uint64
}

func newFakeGate(activeIDs ...string) *fakeGate {
	g := &fakeGate{active: map[string]bool{}, recorded: map[string]uint64{}}
	for _, id := range activeIDs {
		g.active[id] = true
	}
	return g
}

func (g *fakeGate) ActiveSession(_ context.Context, id string) (bool, error) {
	return g.active[id], nil
}

func (g *fakeGate) RecordSerial(_ context.Context, id string, serial uint64) error {
	g.recorded[id] = serial
	return nil
}

func testConfig() *config.CA {
	return &config.CA{
		ValidityDiag:       5 * time.Minute,
		ValidityRemediate:  10 * time.Minute,
		ValidityBreakglass: 30 * time.Minute,
	}
}

func newTestCA(t *testing.T, gate sessionGate) *CA {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "ca_ed25519")
	signer, err := LoadSigner(keyPath, true)
	require.NoError(t, err)
	return New(signer, gate, testConfig())
}

func caller(groups ...string) *identity.Identity {
	return &identity.Identity{UID: "u-1", Username: "alex", Email: "alex@example.com", Groups: groups}
}

func parseCert(t *testing.T, issued *IssuedCert) *ssh.Certificate {
	t.Helper()
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(issued.Certificate))
	require.NoError(t, err)
	cert, ok := pub.(*ssh.Certificate)
	require.True(t, ok)
	return cert
}

func TestLoadSignerMissingKeyWithoutGenerate(t *testing.T) {
	_, err := LoadSigner(filepath.Join(t.TempDir(), "absent"), false)
	assert.Error(t, err)
}

func TestSignDiagCertificate(t *testing.T) {
	ca := newTestCA(t, newFakeGate())

	issued, err := ca.Sign(context.Background(), SignRequest{
		Caller:   caller(identity.GroupDiag),
		BeaconID: "beacon-01",
		Tier:     identity.AccessDiag,
	})
	require.NoError(t, err)

	cert := parseCert(t, issued)
	assert.Equal(t, []string{"wopr-diag"}, cert.ValidPrincipals)
	assert.Equal(t, "/usr/local/bin/wopr-shell", cert.CriticalOptions["force-command"])
	assert.Empty(t, cert.Extensions, "no forwarding of any kind")
	assert.NotZero(t, cert.Serial)
	assert.Contains(t, cert.KeyId, "alex")
	assert.Contains(t, cert.KeyId, "beacon-01")

	validity := time.Unix(int64(cert.ValidBefore), 0).Sub(time.Unix(int64(cert.ValidAfter), 0))
	assert.LessOrEqual(t, validity, 5*time.Minute+time.Minute)

	// No client key supplied, so an ephemeral private key comes back.
	assert.Contains(t, issued.PrivateKey, "PRIVATE KEY")
}

func TestSignWithClientKeyReturnsNoPrivateKey(t *testing.T) {
	ca := newTestCA(t, newFakeGate())

	// Use a second generated CA key purely as a client public key.
	clientSigner, err := LoadSigner(filepath.Join(t.TempDir(), "client"), true)
	require.NoError(t, err)
	clientPub := string(ssh.MarshalAuthorizedKey(clientSigner.PublicKey()))

	issued, err := ca.Sign(context.Background(), SignRequest{
		Caller:    caller(identity.GroupRemediate),
		BeaconID:  "beacon-01",
		Tier:      identity.AccessRemediate,
		PublicKey: clientPub,
	})
	require.NoError(t, err)
	assert.Empty(t, issued.PrivateKey)

	cert := parseCert(t, issued)
	assert.Equal(t, []string{"wopr-diag", "wopr-remediate"}, cert.ValidPrincipals)
	assert.NotEmpty(t, cert.CriticalOptions["force-command"])
}

func TestSignBreakglassRequiresActiveSession(t *testing.T) {
	gate := newFakeGate("sess-live")
	ca := newTestCA(t, gate)
	bg := caller(identity.GroupBreakglass)

	_, err := ca.Sign(context.Background(), SignRequest{
		Caller: bg, BeaconID: "b1", Tier: identity.AccessBreakglass,
	})
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = ca.Sign(context.Background(), SignRequest{
		Caller: bg, BeaconID: "b1", Tier: identity.AccessBreakglass,
		BreakglassSessionID: "sess-dead",
	})
	assert.ErrorIs(t, err, ErrSessionInactive)

	issued, err := ca.Sign(context.Background(), SignRequest{
		Caller: bg, BeaconID: "b1", Tier: identity.AccessBreakglass,
		BreakglassSessionID: "sess-live",
	})
	require.NoError(t, err)

	cert := parseCert(t, issued)
	assert.Equal(t, []string{"wopr-diag", "wopr-remediate", "wopr-breakglass", "root"}, cert.ValidPrincipals)
	assert.NotContains(t, cert.CriticalOptions, "force-command")
	assert.Equal(t, issued.Serial, gate.recorded["sess-live"], "serial is stamped on the session")
}

func TestSignBreakglassDurationClamp(t *testing.T) {
	ca := newTestCA(t, newFakeGate("s1"))

	issued, err := ca.Sign(context.Background(), SignRequest{
		Caller: caller(identity.GroupBreakglass), BeaconID: "b1",
		Tier: identity.AccessBreakglass, BreakglassSessionID: "s1",
		Duration: 4 * time.Hour,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, time.Until(issued.ValidBefore), 30*time.Minute+time.Minute)

	issued, err = ca.Sign(context.Background(), SignRequest{
		Caller: caller(identity.GroupBreakglass), BeaconID: "b1",
		Tier: identity.AccessBreakglass, BreakglassSessionID: "s1",
		Duration: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, time.Until(issued.ValidBefore), 10*time.Minute+time.Minute)
}

func TestSignForbiddenWithoutGroup(t *testing.T) {
	ca := newTestCA(t, newFakeGate())

	_, err := ca.Sign(context.Background(), SignRequest{
		Caller: caller(identity.GroupDiag), BeaconID: "b1", Tier: identity.AccessRemediate,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSerialsAreUnique(t *testing.T) {
	ca := newTestCA(t, newFakeGate())
	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		issued, err := ca.Sign(context.Background(), SignRequest{
			Caller: caller(identity.GroupDiag), BeaconID: "b1", Tier: identity.AccessDiag,
		})
		require.NoError(t, err)
		assert.False(t, seen[issued.Serial])
		seen[issued.Serial] = true
	}
}

// Package sshca issues short-lived, tier-scoped SSH user certificates.
// Certificates are never persisted; only the serial of a breakglass
// issuance is recorded, on the session that authorized it.
package sshca

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wopr/fleet/internal/config"
	"github.com/wopr/fleet/internal/identity"
)

// Signing rejections. The HTTP layer maps these onto status codes.
var (
	ErrForbidden       = errors.New("caller lacks the required tier group")
	ErrSessionRequired = errors.New("breakglass tier requires an active session id")
	ErrSessionInactive = errors.New("breakglass session is not active")
	ErrBadPublicKey    = errors.New("public key is not parseable")
)

// forcedShell is the wrapper every diag and remediate certificate is pinned
// to. Breakglass certificates carry no forced command.
const forcedShell = "/usr/local/bin/wopr-shell"

// sessionGate validates breakglass sessions and records issued serials.
type sessionGate interface {
	ActiveSession(ctx context.Context, id string) (bool, error)
	RecordSerial(ctx context.Context, id string, serial uint64) error
}

// CA signs ephemeral user keys with the host CA key.
type CA struct {
	signer   ssh.Signer
	sessions sessionGate
	cfg      *config.CA
}

// New builds a CA around a loaded signer.
func New(signer ssh.Signer, sessions sessionGate, cfg *config.CA) *CA {
	return &CA{signer: signer, sessions: sessions, cfg: cfg}
}

// LoadSigner reads the CA private key from path. When the key is missing and
// generate is set, a fresh Ed25519 pair is created at path (0600) with its
// public half beside it. A missing key without generate is fatal to start-up.
func LoadSigner(path string, generate bool) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && generate {
		if err := generateKeypair(path); err != nil {
			return nil, err
		}
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("read ca key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ca key %s: %w", path, err)
	}
	return signer, nil
}

func generateKeypair(path string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "wopr fleet ca")
	if err != nil {
		return fmt.Errorf("marshal ca key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write ca key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644)
}

// PublicKey returns the CA public key in authorized_keys format, for beacon
// TrustedUserCAKeys bootstrapping.
func (ca *CA) PublicKey() string {
	return string(ssh.MarshalAuthorizedKey(ca.signer.PublicKey()))
}

// SignRequest is one certificate issuance.
type SignRequest struct {
	Caller              *identity.Identity
	BeaconID            string
	Tier                identity.AccessTier
	PublicKey           string        // authorized_keys format; empty means generate ephemeral
	BreakglassSessionID string        // required for breakglass tier
	Duration            time.Duration // breakglass only; clamped to the configured cap
}

// IssuedCert is the response to a successful signing.
type IssuedCert struct {
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"private_key,omitempty"` // only for ephemeral issuance
	Serial      uint64    `json:"serial"`
	Principals  []string  `json:"principals"`
	Identity    string    `json:"identity"`
	ValidBefore time.Time `json:"valid_before"`
}

// Sign validates the request against tier policy and mints a certificate.
func (ca *CA) Sign(ctx context.Context, req SignRequest) (*IssuedCert, error) {
	if req.Caller == nil || !req.Caller.Allows(req.Tier) {
		return nil, ErrForbidden
	}

	if req.Tier == identity.AccessBreakglass {
		if req.BreakglassSessionID == "" {
			return nil, ErrSessionRequired
		}
		active, err := ca.sessions.ActiveSession(ctx, req.BreakglassSessionID)
		if err != nil {
			return nil, fmt.Errorf("check breakglass session: %w", err)
		}
		if !active {
			return nil, ErrSessionInactive
		}
	}

	pub, priv, err := ca.subjectKey(req.PublicKey)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	validity := ca.validityFor(req.Tier, req.Duration)
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          serial,
		CertType:        ssh.UserCert,
		KeyId:           fmt.Sprintf("%s:%s:%s", req.Caller.Username, req.Tier, req.BeaconID),
		ValidPrincipals: principalsFor(req.Tier),
		ValidAfter:      uint64(now.Add(-30 * time.Second).Unix()), // clock skew allowance
		ValidBefore:     uint64(now.Add(validity).Unix()),
		Permissions:     permissionsFor(req.Tier),
	}
	if err := cert.SignCert(rand.Reader, ca.signer); err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	if req.Tier == identity.AccessBreakglass {
		if err := ca.sessions.RecordSerial(ctx, req.BreakglassSessionID, serial); err != nil {
			return nil, fmt.Errorf("record cert serial: %w", err)
		}
	}

	return &IssuedCert{
		Certificate: string(ssh.MarshalAuthorizedKey(cert)),
		PrivateKey:  priv,
		Serial:      serial,
		Principals:  cert.ValidPrincipals,
		Identity:    cert.KeyId,
		ValidBefore: now.Add(validity),
	}, nil
}

// subjectKey parses the client key or mints an ephemeral Ed25519 pair. The
// returned private key PEM is empty when the client supplied its own key.
func (ca *CA) subjectKey(authorized string) (ssh.PublicKey, string, error) {
	if authorized != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
		if err != nil {
			return nil, "", ErrBadPublicKey
		}
		return pub, "", nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, "", err
	}
	return sshPub, string(pem.EncodeToMemory(block)), nil
}

func (ca *CA) validityFor(tier identity.AccessTier, requested time.Duration) time.Duration {
	switch tier {
	case identity.AccessDiag:
		return ca.cfg.ValidityDiag
	case identity.AccessRemediate:
		return ca.cfg.ValidityRemediate
	default:
		hardCap := ca.cfg.ValidityBreakglass
		if requested > 0 && requested < hardCap {
			return requested
		}
		return hardCap
	}
}

// principalsFor is cumulative: each tier carries everything below it.
func principalsFor(tier identity.AccessTier) []string {
	principals := []string{"wopr-diag"}
	if tier >= identity.AccessRemediate {
		principals = append(principals, "wopr-remediate")
	}
	if tier >= identity.AccessBreakglass {
		principals = append(principals, "wopr-breakglass", "root")
	}
	return principals
}

// permissionsFor pins diag and remediate to the forced shell and withholds
// every forwarding extension from all tiers.
func permissionsFor(tier identity.AccessTier) ssh.Permissions {
	perms := ssh.Permissions{CriticalOptions: map[string]string{}, Extensions: map[string]string{}}
	if tier != identity.AccessBreakglass {
		perms.CriticalOptions["force-command"] = forcedShell
	}
	return perms
}

// randomSerial draws a fresh 63-bit serial.
func randomSerial() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 63))
	if err != nil {
		return 0, fmt.Errorf("draw serial: %w", err)
	}
	return n.Uint64(), nil
}

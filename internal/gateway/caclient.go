package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wopr/fleet/internal/identity"
)

// issuedCert mirrors the certificate authority's signing response.
type issuedCert struct {
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"private_key,omitempty"`
	Serial      uint64    `json:"serial"`
	Principals  []string  `json:"principals"`
	Identity    string    `json:"identity"`
	ValidBefore time.Time `json:"valid_before"`
}

// certIssuer mints tier-scoped certificates on behalf of a caller.
type certIssuer interface {
	Sign(ctx context.Context, caller *identity.Identity, beaconID string, tier identity.AccessTier, sessionID string, duration time.Duration) (*issuedCert, error)
}

// CAClient talks to the certificate authority, re-forwarding the caller's
// identity headers so the CA applies the same tier checks.
type CAClient struct {
	baseURL string
	http    *http.Client
}

func NewCAClient(baseURL string) *CAClient {
	return &CAClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CAClient) Sign(ctx context.Context, caller *identity.Identity, beaconID string, tier identity.AccessTier, sessionID string, duration time.Duration) (*issuedCert, error) {
	body, err := json.Marshal(map[string]any{
		"beacon_id":             beaconID,
		"tier":                  tier.String(),
		"breakglass_session_id": sessionID,
		"duration_minutes":      int(duration.Minutes()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderUID, caller.UID)
	req.Header.Set(identity.HeaderUsername, caller.Username)
	req.Header.Set(identity.HeaderEmail, caller.Email)
	req.Header.Set(identity.HeaderGroups, strings.Join(caller.Groups, "|"))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach certificate authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fail)
		return nil, fmt.Errorf("certificate authority returned %d: %s", resp.StatusCode, fail.Error)
	}

	var cert issuedCert
	if err := json.NewDecoder(resp.Body).Decode(&cert); err != nil {
		return nil, fmt.Errorf("decode certificate response: %w", err)
	}
	return &cert, nil
}

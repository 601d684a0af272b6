package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wopr/fleet/internal/core"
)

// AggregatedEscalation is a beacon escalation annotated with its origin.
type AggregatedEscalation struct {
	core.Escalation
	BeaconID     string `json:"beacon_id"`
	BeaconDomain string `json:"beacon_domain,omitempty"`
}

// BeaconError reports one beacon that could not be aggregated.
type BeaconError struct {
	BeaconID string `json:"beacon_id"`
	Error    string `json:"error"`
}

// AggregateResult is the fan-out outcome. Partial failure is normal; the
// HTTP layer returns it with 200 regardless.
type AggregateResult struct {
	Escalations []AggregatedEscalation `json:"escalations"`
	Errors      []BeaconError          `json:"errors,omitempty"`
	BeaconCount int                    `json:"beacon_count"`
}

// escalationFetcher pulls pending escalations from one beacon engine.
type escalationFetcher interface {
	FetchPending(ctx context.Context, engineURL string) ([]core.Escalation, error)
}

// engineClient is the production fetcher over the beacon's engine API.
type engineClient struct {
	http *http.Client
}

func newEngineClient() *engineClient {
	return &engineClient{http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *engineClient) FetchPending(ctx context.Context, engineURL string) ([]core.Escalation, error) {
	url := strings.TrimRight(engineURL, "/") + "/api/v1/ai/escalations?status=pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned %d", resp.StatusCode)
	}

	var escs []core.Escalation
	if err := json.NewDecoder(resp.Body).Decode(&escs); err != nil {
		return nil, fmt.Errorf("decode escalations: %w", err)
	}
	return escs, nil
}

// aggregateEscalations fans out to every given beacon in parallel and merges
// the results newest-first, capped at limit.
func aggregateEscalations(ctx context.Context, fetcher escalationFetcher, beacons []core.Beacon, limit int) *AggregateResult {
	type outcome struct {
		beacon core.Beacon
		escs   []core.Escalation
		err    error
	}

	results := make(chan outcome, len(beacons))
	var wg sync.WaitGroup
	for _, b := range beacons {
		wg.Add(1)
		go func(b core.Beacon) {
			defer wg.Done()
			escs, err := fetcher.FetchPending(ctx, b.EngineURL)
			results <- outcome{beacon: b, escs: escs, err: err}
		}(b)
	}
	wg.Wait()
	close(results)

	agg := &AggregateResult{
		Escalations: []AggregatedEscalation{},
		BeaconCount: len(beacons),
	}
	for out := range results {
		if out.err != nil {
			agg.Errors = append(agg.Errors, BeaconError{BeaconID: out.beacon.ID, Error: out.err.Error()})
			continue
		}
		for _, esc := range out.escs {
			agg.Escalations = append(agg.Escalations, AggregatedEscalation{
				Escalation:   esc,
				BeaconID:     out.beacon.ID,
				BeaconDomain: out.beacon.Domain,
			})
		}
	}

	sort.Slice(agg.Escalations, func(i, j int) bool {
		return agg.Escalations[i].CreatedAt.After(agg.Escalations[j].CreatedAt)
	})
	sort.Slice(agg.Errors, func(i, j int) bool {
		return agg.Errors[i].BeaconID < agg.Errors[j].BeaconID
	})
	if limit > 0 && len(agg.Escalations) > limit {
		agg.Escalations = agg.Escalations[:limit]
	}
	return agg
}

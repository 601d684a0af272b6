package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is the beacon side of the registry: it registers once at start-up
// and then heartbeats on an interval, reporting whether the local analysis
// engine is running.
type Client struct {
	gatewayURL string
	beaconID   string
	domain     string
	engineURL  string
	version    string
	interval   time.Duration
	running    func() bool
	http       *http.Client
	logger     *log.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewClient builds a registry client. running reports the local engine's
// scheduler state at each heartbeat.
func NewClient(gatewayURL, beaconID, domain, engineURL, version string, interval time.Duration, running func() bool) *Client {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Client{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		beaconID:   beaconID,
		domain:     domain,
		engineURL:  engineURL,
		version:    version,
		interval:   interval,
		running:    running,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[registry] ", log.LstdFlags),
	}
}

// Register announces the beacon to the gateway.
func (c *Client) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"beacon_id":  c.beaconID,
		"domain":     c.domain,
		"engine_url": c.engineURL,
		"version":    c.version,
	})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/v1/beacons/register", body)
}

// Heartbeat reports liveness and engine state.
func (c *Client) Heartbeat(ctx context.Context) error {
	body, err := json.Marshal(map[string]bool{"engine_running": c.running()})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/v1/beacons/"+c.beaconID+"/heartbeat", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Start registers and then heartbeats until Stop. Failures are logged and
// retried at the next tick; the beacon works fine while unregistered.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	go c.loop(c.stopCh)
}

// Stop halts the heartbeat loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
}

func (c *Client) loop(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.Register(ctx); err != nil {
		c.logger.Printf("registration failed, will retry on heartbeat: %v", err)
	}
	cancel()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Printf("heartbeat failed: %v", err)
				if err := c.Register(ctx); err != nil {
					c.logger.Printf("re-registration failed: %v", err)
				}
			}
			cancel()
		}
	}
}

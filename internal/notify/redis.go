package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wopr/fleet/internal/core"
)

// Channel names for the Redis event bus.
const (
	ChannelEscalations    = "wopr:events:escalations"
	ChannelAutoFixFailure = "wopr:events:autofix_failures"
)

// Redis publishes notification events to pub/sub channels so a central
// consumer can fan them out. Publish failures are logged and dropped.
type Redis struct {
	client *redis.Client
	beacon string
}

// NewRedis connects to the given Redis URL (redis://...).
func NewRedis(url, beacon string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), beacon: beacon}, nil
}

func (r *Redis) NotifyEscalation(tier core.Tier, service, summary, action string, confidence float64, id string) {
	r.publish(ChannelEscalations, &Event{
		Type:           "escalation",
		Tier:           tier,
		Service:        service,
		ErrorSummary:   summary,
		ProposedAction: action,
		Confidence:     confidence,
		EscalationID:   id,
	})
}

func (r *Redis) NotifyAutoFixFailure(service, action, output string) {
	r.publish(ChannelAutoFixFailure, &Event{
		Type:    "auto_fix_failure",
		Service: service,
		Action:  action,
		Output:  output,
	})
}

func (r *Redis) publish(channel string, ev *Event) {
	ev.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
	ev.Timestamp = time.Now().UTC()
	ev.Beacon = r.beacon

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal redis event failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("redis publish failed", "channel", channel, "error", err)
	}
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

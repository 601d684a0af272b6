package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/wopr/fleet/internal/core"
)

const (
	webhookQueueSize  = 256
	webhookMaxRetries = 3
)

// Event is the webhook payload for both notification kinds.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"` // escalation, auto_fix_failure
	Timestamp      time.Time `json:"timestamp"`
	Beacon         string    `json:"beacon"`
	Service        string    `json:"service"`
	Tier           core.Tier `json:"tier,omitempty"`
	ErrorSummary   string    `json:"error_summary,omitempty"`
	ProposedAction string    `json:"proposed_action,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	EscalationID   string    `json:"escalation_id,omitempty"`
	Action         string    `json:"action,omitempty"`
	Output         string    `json:"output,omitempty"`
}

// Webhook posts events to one operator endpoint through a background worker
// with bounded queueing and retry.
type Webhook struct {
	url    string
	beacon string
	client *http.Client
	queue  chan *Event
	logger *log.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWebhook starts a dispatcher for url. beacon tags every event with the
// sending node.
func NewWebhook(url, beacon string) *Webhook {
	w := &Webhook{
		url:    url,
		beacon: beacon,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan *Event, webhookQueueSize),
		logger: log.New(log.Writer(), "[notify] ", log.LstdFlags),
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

func (w *Webhook) NotifyEscalation(tier core.Tier, service, summary, action string, confidence float64, id string) {
	w.enqueue(&Event{
		Type:           "escalation",
		Tier:           tier,
		Service:        service,
		ErrorSummary:   summary,
		ProposedAction: action,
		Confidence:     confidence,
		EscalationID:   id,
	})
}

func (w *Webhook) NotifyAutoFixFailure(service, action, output string) {
	w.enqueue(&Event{
		Type:    "auto_fix_failure",
		Service: service,
		Action:  action,
		Output:  output,
	})
}

func (w *Webhook) enqueue(ev *Event) {
	ev.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
	ev.Timestamp = time.Now().UTC()
	ev.Beacon = w.beacon

	select {
	case w.queue <- ev:
	default:
		w.logger.Printf("queue full, dropping %s event for %s", ev.Type, ev.Service)
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for ev := range w.queue {
		w.deliver(ev)
	}
}

func (w *Webhook) deliver(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		w.logger.Printf("marshal event failed: %v", err)
		return
	}

	for attempt := 1; attempt <= webhookMaxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			w.logger.Printf("create request failed: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Wopr-Event-Type", ev.Type)
		req.Header.Set("X-Wopr-Delivery-Attempt", fmt.Sprintf("%d", attempt))

		resp, err := w.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 400 {
				return
			}
			w.logger.Printf("webhook returned %d for %s event (attempt %d)", resp.StatusCode, ev.Type, attempt)
		} else {
			w.logger.Printf("webhook delivery failed (attempt %d): %v", attempt, err)
		}

		if attempt < webhookMaxRetries {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}
	}
}

// Close drains the queue and stops the worker.
func (w *Webhook) Close() {
	w.once.Do(func() {
		close(w.queue)
		w.wg.Wait()
	})
}

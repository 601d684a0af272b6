// Package notify delivers escalation and auto-fix-failure events to
// operator channels. Delivery is best effort by contract: nothing in this
// package returns an error to the analysis engine.
package notify

import "github.com/wopr/fleet/internal/core"

// Notifier is the outbound notification contract of the analysis engine.
type Notifier interface {
	NotifyEscalation(tier core.Tier, service, errorSummary, proposedAction string, confidence float64, escalationID string)
	NotifyAutoFixFailure(service, action, output string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) NotifyEscalation(core.Tier, string, string, string, float64, string) {}
func (Nop) NotifyAutoFixFailure(string, string, string)                         {}

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyEscalation(tier core.Tier, service, summary, action string, confidence float64, id string) {
	for _, n := range m {
		n.NotifyEscalation(tier, service, summary, action, confidence, id)
	}
}

func (m Multi) NotifyAutoFixFailure(service, action, output string) {
	for _, n := range m {
		n.NotifyAutoFixFailure(service, action, output)
	}
}

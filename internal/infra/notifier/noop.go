package notifier

import (
	"context"

	"gatekeeper/pkg/admission"
)

// NoopNotifier discards all ban events. Used when no webhook URL is
// configured.
type NoopNotifier struct{}

// NewNoopNotifier creates a notifier that does nothing.
func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{}
}

// NotifyBan discards the event.
func (n *NoopNotifier) NotifyBan(ctx context.Context, rec admission.BanRecord) {
	// No-op
}

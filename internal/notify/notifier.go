// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event name so each deployment chooses what pages people.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// Alert names used outside the engine event stream.
const (
	EventHealthcheckFailed = "HealthcheckFailed"
	EventMigrationFailed   = "MigrationFailed"
	EventRelayFailed       = "RelayFailed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every sender. Notify drops events outside
// the allow list; an empty allow list lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier delivers to senders the events named in events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyEvent renders an engine event as an alert.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	title := fmt.Sprintf("%s from %s", ev.Type, ev.Source)
	return n.Notify(ctx, string(ev.Type), title, formatPayload(ev.Payload))
}

// Forward decodes every payload received on events and notifies it, until
// ctx is done or the channel closes. Undecodable payloads are logged and
// dropped.
func (n *Notifier) Forward(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			ev, err := domain.DecodeEvent(payload)
			if err != nil {
				n.logger.WarnContext(ctx, "dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			if err := n.NotifyEvent(ctx, ev); err != nil {
				n.logger.WarnContext(ctx, "event notification failed",
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatPayload prints payload fields one per line in key order.
func formatPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, payload[k])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

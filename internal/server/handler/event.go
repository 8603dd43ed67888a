package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// EventReader replays the stored history of an event channel.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// eventChannels maps the short names accepted on the query string to bus
// channels.
var eventChannels = map[string]string{
	"rewards":    domain.ChannelRewards,
	"settlement": domain.ChannelSettlement,
	"migration":  domain.ChannelMigration,
}

// EventHandler lets clients that missed live WebSocket frames catch up.
type EventHandler struct {
	reader EventReader
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(reader EventReader, logger *slog.Logger) *EventHandler {
	return &EventHandler{reader: reader, logger: logHandler(logger, "events")}
}

type eventEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns events of one channel recorded after the given cursor.
// The response's next field is the cursor for the following page.
// GET /api/events?channel=settlement&after=0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel, ok := eventChannels[q.Get("channel")]
	if !ok {
		writeError(w, http.StatusBadRequest, "channel must be one of rewards, settlement, migration")
		return
	}
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	opts := parseListOpts(r)

	msgs, err := h.reader.StreamRead(r.Context(), channel, after, opts.Limit)
	if err != nil {
		writeDomainError(w, h.logger, r, "read events", err)
		return
	}
	out := make([]eventEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "skipping malformed event", slog.String("id", m.ID))
			continue
		}
		out = append(out, eventEntry{ID: m.ID, Event: m.Payload})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"events":  out,
		"next":    next,
	})
}

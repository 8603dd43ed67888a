package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	EventRewardTransferred  EventType = "RewardTransferred"
	EventRewardWithdrawn    EventType = "RewardWithdrawn"
	EventPositionChanged    EventType = "PositionChanged"
	EventMarginChanged      EventType = "MarginChanged"
	EventFundingPaid        EventType = "FundingPaid"
	EventPositionLiquidated EventType = "PositionLiquidated"
	EventShutdown           EventType = "Shutdown"
	EventShutdownAllAmms    EventType = "ShutdownAllAmms"
	EventPositionSettled    EventType = "PositionSettled"
	EventMigrationStep      EventType = "MigrationStep"
)

// Event is emitted by the engines after a state change has been committed.
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event channels on the bus.
const (
	ChannelRewards    = "ch:rewards"
	ChannelSettlement = "ch:settlement"
	ChannelMigration  = "ch:migration"
)

// EventPublisher delivers engine events. Delivery is best effort; engines
// do not roll back state when publishing fails.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, string, Event) error { return nil }

// DecodeEvent parses a bus payload written by PublishEvent.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("domain: decode event: %w", err)
	}
	return ev, nil
}

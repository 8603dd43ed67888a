package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	ev := Event{
		Type:      EventShutdownAllAmms,
		Source:    "insurancefund",
		Payload:   map[string]any{"markets": []any{"BTCUSDC", "ETHUSDC"}},
		Timestamp: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	_, err = DecodeEvent([]byte("{"))
	assert.Error(t, err)
}

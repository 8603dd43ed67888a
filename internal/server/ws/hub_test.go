package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/perpops/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
}

func newChanBus() *chanBus { return &chanBus{chans: make(map[string]chan []byte)} }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.chans[channel] = ch
	return ch, nil
}

func (b *chanBus) send(channel string, payload []byte) {
	b.mu.Lock()
	ch := b.chans[channel]
	b.mu.Unlock()
	ch <- payload
}

type counter struct {
	mu      sync.Mutex
	events  map[string]int
	clients []int
}

func (c *counter) Event(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[t]++
}

func (c *counter) WSClients(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = append(c.clients, n)
}

func (c *counter) eventCount(t string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[t]
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubFansOutSubscribedChannels(t *testing.T) {
	bus := newChanBus()
	rec := &counter{events: map[string]int{}}
	hub := NewHub(bus, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Stage: domain.StageStaging})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	hello := readJSON(t, conn)
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, "staging", hello["payload"].(map[string]any)["stage"])

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelMigration}}))
	// The unsubscribe is applied by the read pump; wait until it lands.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(domain.ChannelMigration) {
				return false
			}
		}
		return len(hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.send(domain.ChannelMigration, []byte(`{"type":"MigrationStep"}`))
	bus.send(domain.ChannelSettlement, []byte(`{"type":"PositionSettled","source":"clearinghouse"}`))

	got := readJSON(t, conn)
	assert.Equal(t, "PositionSettled", got["type"])
	require.Eventually(t, func() bool { return rec.eventCount("MigrationStep") == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.eventCount("PositionSettled"))

	require.NoError(t, conn.Close())
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestWildcardSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:*": true}}
	assert.True(t, c.isSubscribed(domain.ChannelRewards))
	assert.False(t, c.isSubscribed("other"))
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/domain"
)

type captured struct {
	title, message string
}

type memSender struct {
	mu   sync.Mutex
	sent []captured
	err  error
}

func (m *memSender) Send(_ context.Context, title, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, captured{title, message})
	return nil
}

func (m *memSender) Name() string { return "mem" }

func (m *memSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &memSender{}
	n := NewNotifier([]Sender{s}, []string{" ShutdownAllAmms ", ""}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "FundingPaid", "t", "m"))
	require.NoError(t, n.Notify(ctx, "ShutdownAllAmms", "t", "m"))
	assert.Equal(t, 1, s.count())
}

func TestNotifyCollectsSenderErrors(t *testing.T) {
	ok := &memSender{}
	bad := &memSender{err: errors.New("503")}
	n := NewNotifier([]Sender{bad, ok}, nil, discard())

	err := n.Notify(context.Background(), "x", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Equal(t, 1, ok.count())
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), "x", "t", "m"))
}

func TestForwardDecodesEvents(t *testing.T) {
	s := &memSender{}
	n := NewNotifier([]Sender{s}, nil, discard())

	ev := domain.Event{
		Type:      domain.EventShutdownAllAmms,
		Source:    "insurancefund",
		Payload:   map[string]any{"markets": []string{"ETHUSDC"}, "at": 1},
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	ch := make(chan []byte, 2)
	ch <- []byte("not json")
	ch <- payload
	close(ch)
	n.Forward(context.Background(), ch)

	require.Equal(t, 1, s.count())
	assert.Equal(t, "ShutdownAllAmms from insurancefund", s.sent[0].title)
	assert.Equal(t, "at: 1\nmarkets: [ETHUSDC]", s.sent[0].message)
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL, "perpops")
	require.NoError(t, d.Send(context.Background(), "Healthcheck failed", "unknown price feed"))
	assert.Equal(t, "perpops", got["username"])
	assert.Equal(t, "**Healthcheck failed**\n```\nunknown price feed\n```", got["content"])
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, "").Send(context.Background(), "t", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "123:abc", "-100")
	require.NoError(t, s.Send(context.Background(), "Markets shut down", ""))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "*Markets shut down*", got["text"])
}

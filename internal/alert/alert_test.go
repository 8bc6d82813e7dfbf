package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"spreadarb/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, p)
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payload(nil), m.sent...)
}

func TestManager_FansOutToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNopLogger())
	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Alert(context.Background(), LevelError, "Risk gate tripped", "daily loss limit reached", map[string]string{
		"daily_loss": "50.01",
	})

	require.Eventually(t, func() bool {
		return len(ch1.getSent()) == 1 && len(ch2.getSent()) == 1
	}, time.Second, 10*time.Millisecond)

	p := ch1.getSent()[0]
	assert.Equal(t, LevelError, p.Level)
	assert.Equal(t, "Risk gate tripped", p.Title)
	assert.Equal(t, "50.01", p.Fields["daily_loss"])
}

func TestSlackChannel_PostsWebhook(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	err := ch.Send(context.Background(), Payload{
		Level: LevelCritical, Title: "Naked leg", Message: "unwind failed", At: time.Now(),
	})
	require.NoError(t, err)

	attachments := got["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]interface{})
	assert.Contains(t, first["pretext"], "Naked leg")
	assert.Equal(t, "#8b0000", first["color"])
}

func TestSlackChannel_EmptyURLIsNoop(t *testing.T) {
	ch := NewSlackChannel("")
	assert.NoError(t, ch.Send(context.Background(), Payload{Level: LevelInfo, Title: "x"}))
}

func TestTelegramChannel_MissingCredentialsIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), Payload{Level: LevelInfo, Title: "x"}))
}

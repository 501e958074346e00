package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a connected websocket subscriber.
type testClient struct {
	conn *websocket.Conn
}

func newTestServer(t *testing.T) (*Bus, string) {
	t.Helper()

	b := New(Config{Features: map[string]bool{"websockets": true}})
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.HandleConnection(w, r)
	}))
	t.Cleanup(server.Close)

	return b, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{conn: conn}
}

func (c *testClient) send(t *testing.T, msgType string, data any) {
	t.Helper()
	payload := map[string]any{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	require.NoError(t, c.conn.WriteJSON(payload))
}

func (c *testClient) read(t *testing.T) *Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg Message
	require.NoError(t, c.conn.ReadJSON(&msg))
	return &msg
}

// readUntil skips messages until one of the wanted type arrives.
func (c *testClient) readUntil(t *testing.T, msgType string) *Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := c.read(t)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("never received %s", msgType)
	return nil
}

func TestWelcomeOnConnect(t *testing.T) {
	_, url := newTestServer(t)
	client := dial(t, url)

	welcome := client.read(t)
	assert.Equal(t, MessageWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.ID)
	assert.False(t, welcome.Timestamp.IsZero())

	data, ok := welcome.Data.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["connectionId"])
	assert.Contains(t, data, "features")
}

func TestPingPong(t *testing.T) {
	_, url := newTestServer(t)
	client := dial(t, url)
	client.read(t) // welcome

	client.send(t, "ping", nil)
	pong := client.read(t)
	assert.Equal(t, MessagePong, pong.Type)
}

func TestAuthenticateAndOrgFilter(t *testing.T) {
	b, url := newTestServer(t)

	alice := dial(t, url)
	alice.read(t)
	alice.send(t, "authenticate", map[string]any{"userId": "alice", "organizationId": "org-1"})
	alice.readUntil(t, MessageAuthenticated)

	bob := dial(t, url)
	bob.read(t)
	bob.send(t, "authenticate", map[string]any{"userId": "bob", "organizationId": "org-2"})
	bob.readUntil(t, MessageAuthenticated)

	// Scoped to org-1: only alice sees it.
	b.Publish(EventWorkflowStarted, map[string]any{"runId": "r1"}, Filter{OrganizationID: "org-1"})

	msg := alice.readUntil(t, EventWorkflowStarted)
	data, _ := msg.Data.(map[string]any)
	assert.Equal(t, "r1", data["runId"])

	bob.send(t, "ping", nil)
	pong := bob.read(t)
	// Bob's next message is the pong, not the org-1 event.
	assert.Equal(t, MessagePong, pong.Type)
}

func TestChannelSubscription(t *testing.T) {
	b, url := newTestServer(t)

	client := dial(t, url)
	client.read(t)

	client.send(t, "subscribe", map[string]any{"channel": "deploys"})
	client.readUntil(t, MessageSubscribed)

	b.Publish(EventTaskCompleted, map[string]any{"taskId": "t1"}, Filter{Channel: "deploys"})
	msg := client.readUntil(t, EventTaskCompleted)
	assert.Equal(t, EventTaskCompleted, msg.Type)

	client.send(t, "unsubscribe", map[string]any{"channel": "deploys"})
	client.readUntil(t, MessageUnsubscribed)

	b.Publish(EventTaskCompleted, map[string]any{"taskId": "t2"}, Filter{Channel: "deploys"})
	client.send(t, "ping", nil)
	assert.Equal(t, MessagePong, client.read(t).Type)
}

func TestBroadcastWithoutFilter(t *testing.T) {
	b, url := newTestServer(t)

	one := dial(t, url)
	one.read(t)
	two := dial(t, url)
	two.read(t)

	b.Publish(EventWorkflowCompleted, map[string]any{"runId": "r9"}, Filter{})

	assert.Equal(t, EventWorkflowCompleted, one.readUntil(t, EventWorkflowCompleted).Type)
	assert.Equal(t, EventWorkflowCompleted, two.readUntil(t, EventWorkflowCompleted).Type)
}

func TestMalformedMessage(t *testing.T) {
	_, url := newTestServer(t)
	client := dial(t, url)
	client.read(t)

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MessageError, client.read(t).Type)

	client.send(t, "subscribe", map[string]any{})
	assert.Equal(t, MessageError, client.read(t).Type)

	client.send(t, "warp", nil)
	assert.Equal(t, MessageError, client.read(t).Type)
}

func TestStats(t *testing.T) {
	b, url := newTestServer(t)

	client := dial(t, url)
	client.read(t)
	client.send(t, "subscribe", map[string]any{"channel": "alpha"})
	client.readUntil(t, MessageSubscribed)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Channels["alpha"])
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	b, url := newTestServer(t)

	client := dial(t, url)
	client.read(t)
	require.Equal(t, 1, b.Stats().Connections)

	client.conn.Close()

	// The read loop notices the close and removes the connection.
	require.Eventually(t, func() bool {
		return b.Stats().Connections == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Publishing afterwards must not panic or deliver.
	b.Publish(EventWorkflowStarted, map[string]any{}, Filter{})
}

func TestServerMessageShape(t *testing.T) {
	_, url := newTestServer(t)
	client := dial(t, url)

	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	// Wire contract: {type, data, timestamp, id}.
	assert.Contains(t, decoded, "type")
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "id")
}

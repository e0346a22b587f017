package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/violations"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func newClient(h *Hub, sub Subscription) *Client {
	return &Client{hub: h, send: make(chan []byte, 16), sub: sub}
}

func violation(action, user, origin string) *violations.Entry {
	return &violations.Entry{ID: "vio_1", Action: action, UserID: user, Origin: origin}
}

func TestShouldSend_AllEvents(t *testing.T) {
	c := newClient(nil, Subscription{AllEvents: true})
	assert.True(t, shouldSend(c, &Event{Type: EventViolation}))
	assert.True(t, shouldSend(c, &Event{Type: EventBanRevoked}))
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	c := newClient(nil, Subscription{EventTypes: []EventType{EventBanCreated, EventBanExtended}})

	assert.True(t, shouldSend(c, &Event{Type: EventBanCreated}))
	assert.True(t, shouldSend(c, &Event{Type: EventBanExtended}))
	assert.False(t, shouldSend(c, &Event{Type: EventViolation}))
}

func TestShouldSend_ActionFilter(t *testing.T) {
	c := newClient(nil, Subscription{Actions: []string{"login"}})

	assert.True(t, shouldSend(c, &Event{Type: EventViolation, Data: violation("login", "u1", "1.2.3.4")}))
	assert.False(t, shouldSend(c, &Event{Type: EventViolation, Data: violation("checkout", "u1", "1.2.3.4")}))
	// Ban events carry no action and pass the action filter.
	assert.True(t, shouldSend(c, &Event{Type: EventBanCreated, Data: &bans.Ban{SubjectID: "u1"}}))
}

func TestShouldSend_SubjectFilter(t *testing.T) {
	c := newClient(nil, Subscription{Subjects: []string{"1.2.3.4"}})

	assert.True(t, shouldSend(c, &Event{Type: EventViolation, Data: violation("login", "u1", "1.2.3.4")}))
	assert.True(t, shouldSend(c, &Event{Type: EventBanCreated, Data: &bans.Ban{SubjectID: "1.2.3.4"}}))
	assert.False(t, shouldSend(c, &Event{Type: EventBanCreated, Data: &bans.Ban{SubjectID: "9.9.9.9"}}))
	assert.False(t, shouldSend(c, &Event{Type: EventViolation, Data: violation("login", "u2", "5.6.7.8")}))
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	c := newClient(nil, Subscription{})
	assert.True(t, shouldSend(c, &Event{Type: EventViolation, Data: "opaque"}))
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := newClient(h, Subscription{AllEvents: true})

	h.register <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	_, open := <-c.send
	assert.False(t, open, "unregister closes the send channel")
}

func TestHub_PublishToClient(t *testing.T) {
	h := runHub(t)
	c := newClient(h, Subscription{EventTypes: []EventType{EventViolation}})
	h.register <- c

	h.Publish(string(EventBanCreated), &bans.Ban{ID: "ban_1"})
	h.Publish(string(EventViolation), violation("login", "u1", "1.2.3.4"))

	select {
	case msg := <-c.send:
		var ev struct {
			Type EventType        `json:"type"`
			Data violations.Entry `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventViolation, ev.Type)
		assert.Equal(t, "login", ev.Data.Action)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for violation event")
	}

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- c

	h.Publish(string(EventViolation), violation("login", "", "1.2.3.4"))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/admin/stream", nil))
	assert.Equal(t, 503, w.Code)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runHub(t)

	r := gin.New()
	r.GET("/v1/admin/stream", h.Handler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/admin/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(string(EventBanRevoked), &bans.Ban{ID: "ban_9", SubjectID: "u1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type EventType `json:"type"`
		Data bans.Ban  `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventBanRevoked, ev.Type)
	assert.Equal(t, "ban_9", ev.Data.ID)
}

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func fastClientSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.HeartbeatTimeout = time.Hour
	settings.ReconnectMinTimeout = 5 * time.Millisecond
	settings.ReconnectMaxTimeout = 20 * time.Millisecond
	return settings
}

type stateRecorder struct {
	lock   sync.Mutex
	states []ConnectionState
	c      chan ConnectionState
}

func newStateRecorder(manager *ConnectionManager) *stateRecorder {
	recorder := &stateRecorder{
		c: make(chan ConnectionState, 32),
	}
	manager.AddStateChangeCallback(func(state ConnectionState) {
		recorder.lock.Lock()
		recorder.states = append(recorder.states, state)
		recorder.lock.Unlock()
		recorder.c <- state
	})
	return recorder
}

func (self *stateRecorder) waitFor(t *testing.T, target ConnectionState) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case state := <-self.c:
			if state == target {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", target)
		}
	}
}

func (self *stateRecorder) snapshot() []ConnectionState {
	self.lock.Lock()
	defer self.lock.Unlock()
	states := make([]ConnectionState, len(self.states))
	copy(states, self.states)
	return states
}

func (self *stateRecorder) count(target ConnectionState) int {
	count := 0
	for _, state := range self.snapshot() {
		if state == target {
			count += 1
		}
	}
	return count
}

// a bare websocket endpoint, not the full server, so transport behavior can
// be tested in isolation
func newWsTestServer(t *testing.T, handle func(ws *websocket.Conn)) string {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{WsSubprotocol},
	}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestConnectionManagerQueueFlushOrder(t *testing.T) {
	// events sent while disconnected are queued and flushed fifo on open
	received := make(chan string, 16)
	wsUrl := newWsTestServer(t, func(ws *websocket.Conn) {
		for {
			_, eventJson, err := ws.ReadMessage()
			if err != nil {
				return
			}
			event, err := DecodeClientEvent(eventJson)
			if err != nil {
				continue
			}
			if sendEvent, ok := event.(*SendMessageEvent); ok {
				received <- sendEvent.Content
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channelId := NewId()
	manager := NewConnectionManager(ctx, wsUrl, "test-jwt", fastClientSettings())
	defer manager.Close()

	for _, content := range []string{"one", "two", "three"} {
		sendEvent := NewSendMessageEvent(channelId, content)
		assert.Equal(t, manager.Send(sendEvent), nil)
	}

	manager.Connect()

	for _, content := range []string{"one", "two", "three"} {
		select {
		case flushed := <-received:
			assert.Equal(t, flushed, content)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", content)
		}
	}
}

func TestConnectionManagerBoundedReconnect(t *testing.T) {
	// nothing listens here; every dial fails
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := fastClientSettings()
	settings.WsHandshakeTimeout = 500 * time.Millisecond
	settings.MaxReconnectAttempts = 3

	manager := NewConnectionManager(ctx, "ws://127.0.0.1:1/ws", "test-jwt", settings)
	defer manager.Close()
	recorder := newStateRecorder(manager)

	manager.Connect()
	recorder.waitFor(t, ConnectionStateFailed)

	// the third consecutive failure is terminal, so exactly two
	// reconnects were scheduled
	assert.Equal(t, recorder.snapshot(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateReconnectScheduled,
		ConnectionStateConnecting,
		ConnectionStateReconnectScheduled,
		ConnectionStateConnecting,
		ConnectionStateFailed,
	})
	assert.Equal(t, manager.State(), ConnectionStateFailed)
}

func TestConnectionManagerCleanClose(t *testing.T) {
	userId := NewId()
	wsUrl := newWsTestServer(t, func(ws *websocket.Conn) {
		connectedJson, _ := EncodeEvent(NewConnectedEvent(userId))
		if err := ws.WriteMessage(websocket.TextMessage, connectedJson); err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewConnectionManager(ctx, wsUrl, "test-jwt", fastClientSettings())
	recorder := newStateRecorder(manager)

	manager.Connect()
	recorder.waitFor(t, ConnectionStateOpen)

	// the handshake identity becomes visible shortly after open
	deadline := time.Now().Add(5 * time.Second)
	for manager.UserId() != userId {
		if deadline.Before(time.Now()) {
			t.Fatal("timeout waiting for handshake identity")
		}
		time.Sleep(time.Millisecond)
	}

	manager.Close()
	recorder.waitFor(t, ConnectionStateClosed)

	// a deliberate closure never reconnects
	assert.Equal(t, recorder.count(ConnectionStateReconnectScheduled), 0)
	assert.Equal(t, recorder.count(ConnectionStateFailed), 0)
}

func TestConnectionManagerConnectRequiresAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewConnectionManager(ctx, "ws://127.0.0.1:1/ws", "", fastClientSettings())
	defer manager.Close()

	manager.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
}

func TestConnectionManagerChannelEventBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewConnectionManager(ctx, "ws://127.0.0.1:1/ws", "test-jwt", fastClientSettings())
	defer manager.Close()

	channelId := NewId()
	otherChannelId := NewId()
	authorId := NewId()
	base := time.Now().UTC()

	manager.receive(NewMessageEvent(testMessage(channelId, authorId, "one", base)))
	manager.receive(NewMessageEvent(testMessage(otherChannelId, authorId, "elsewhere", base)))
	manager.receive(NewMessageEvent(testMessage(channelId, authorId, "two", base.Add(time.Second))))

	events := manager.ChannelEvents(channelId)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, len(manager.ChannelEvents(otherChannelId)), 1)

	// a resubscribe must never present stale buffered content
	manager.Subscribe(channelId)
	assert.Equal(t, len(manager.ChannelEvents(channelId)), 0)
	assert.Equal(t, len(manager.ChannelEvents(otherChannelId)), 1)
}

func TestConnectionManagerReceiveCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewConnectionManager(ctx, "ws://127.0.0.1:1/ws", "test-jwt", fastClientSettings())
	defer manager.Close()

	receivedLock := sync.Mutex{}
	received := []string{}
	remove := manager.AddReceiveCallback(func(event ServerEvent) {
		receivedLock.Lock()
		defer receivedLock.Unlock()
		received = append(received, event.EventType())
	})

	channelId := NewId()
	manager.receive(NewMessageEvent(testMessage(channelId, NewId(), "hi", time.Now().UTC())))
	remove()
	manager.receive(NewMessageDeletedEvent(channelId, NewId()))

	receivedLock.Lock()
	defer receivedLock.Unlock()
	assert.Equal(t, received, []string{EventTypeMessage})
}

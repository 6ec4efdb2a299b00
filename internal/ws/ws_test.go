package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/coordinator"
	"parkwatch/internal/logging"
	"parkwatch/internal/occupancy"
	"parkwatch/internal/spaces"
)

func sampleUpdate(free int) *coordinator.Update {
	return &coordinator.Update{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Total:     2,
		Free:      free,
		Occupied:  2 - free,
		Records: []occupancy.Record{
			{SpaceID: "S1-A1", Section: "A1", Occupied: true, VehicleID: "V1", Rect: spaces.Rect{X: 1, Y: 2, W: 3, H: 4}},
			{SpaceID: "Group_1", IsGroup: true, Members: 2},
		},
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) StateMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg StateMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewStateMessage(t *testing.T) {
	msg := NewStateMessage(sampleUpdate(1))

	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, 1, msg.Free)
	require.Len(t, msg.Spaces, 2)
	assert.Equal(t, SpaceState{ID: "S1-A1", Section: "A1", Occupied: true, VehicleID: "V1", Rect: [4]int{1, 2, 3, 4}}, msg.Spaces[0])
	assert.True(t, msg.Spaces[1].IsGroup)
	assert.Equal(t, 2, msg.Spaces[1].Members)
}

func TestHandlerSendsInitialStateAndBroadcasts(t *testing.T) {
	hub := NewStateHub(logging.Discard())
	defer hub.Close()
	srv := httptest.NewServer(NewHandler(hub, func() *StateMessage { return NewStateMessage(sampleUpdate(2)) }))
	defer srv.Close()

	conn := dial(t, srv)
	initial := readState(t, conn)
	assert.Equal(t, 2, initial.Free)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(NewStateMessage(sampleUpdate(0)))
	got := readState(t, conn)
	assert.Equal(t, 0, got.Free)
	assert.Equal(t, 2, got.Occupied)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestPumpForwardsUpdates(t *testing.T) {
	hub := NewStateHub(logging.Discard())
	defer hub.Close()
	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	updates := make(chan *coordinator.Update, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Pump(context.Background(), updates)
	}()

	updates <- sampleUpdate(1)
	got := readState(t, conn)
	assert.Equal(t, 1, got.Free)
	assert.Len(t, got.Spaces, 2)

	close(updates)
	<-done
}

func TestPumpStopsOnCancel(t *testing.T) {
	hub := NewStateHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Pump(ctx, make(chan *coordinator.Update))
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub := NewStateHub(logging.Discard())
	hub.Broadcast(NewStateMessage(sampleUpdate(1)))
	assert.Equal(t, 0, hub.ClientCount())
}

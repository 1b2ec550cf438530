package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoomServer(t *testing.T) (*Registry, *httptest.Server) {
	t.Helper()
	g := NewRegistry(time.Hour, slog.Default())
	r := chi.NewRouter()
	r.Handle("/ws/rooms/{id}", NewWebSocketHandler(g, nil, true, slog.Default()))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return g, ts
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, roomID, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + roomID + "?name=" + name
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebSocketChatAndSignaling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ts := newRoomServer(t)
	snap, err := g.Create("Exam prep", "u1")
	require.NoError(t, err)

	alice := dial(t, ctx, ts, snap.ID, "Alice")
	welcome := readFrame(t, ctx, alice)
	require.Equal(t, TypeWelcome, welcome.Type)
	aliceID := welcome.Participant.ID

	bob := dial(t, ctx, ts, snap.ID, "Bob")
	bobWelcome := readFrame(t, ctx, bob)
	require.Equal(t, TypeWelcome, bobWelcome.Type)
	bobID := bobWelcome.Participant.ID
	assert.Len(t, bobWelcome.Participants, 2)

	joined := readFrame(t, ctx, alice)
	assert.Equal(t, TypeParticipantJoined, joined.Type)
	assert.Equal(t, bobID, joined.Participant.ID)

	writeFrame(t, ctx, alice, Envelope{Type: TypeChat, Content: "hello room"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		got := readFrame(t, ctx, conn)
		require.Equal(t, TypeChat, got.Type)
		assert.Equal(t, "hello room", got.Message.Content)
		assert.Equal(t, "Alice", got.Message.FromName)
	}

	writeFrame(t, ctx, bob, Envelope{Type: TypeOffer, To: aliceID, Payload: json.RawMessage(`{"sdp":"offer"}`)})
	offer := readFrame(t, ctx, alice)
	assert.Equal(t, TypeOffer, offer.Type)
	assert.Equal(t, bobID, offer.From)

	writeFrame(t, ctx, bob, Envelope{Type: TypePing})
	assert.Equal(t, TypePong, readFrame(t, ctx, bob).Type)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))
	left := readFrame(t, ctx, alice)
	assert.Equal(t, TypeParticipantLeft, left.Type)
	assert.Equal(t, bobID, left.Participant.ID)

	got, ok := g.Get(snap.ID)
	require.True(t, ok)
	assert.Len(t, got.Chat, 1)
}

func TestWebSocketUnknownRoom(t *testing.T) {
	_, ts := newRoomServer(t)

	resp, err := http.Get(ts.URL + "/ws/rooms/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

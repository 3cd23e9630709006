package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	Type  string            `json:"type"`
	Users []ParticipantView `json:"users"`
}

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()

	cfg := &Config{cards: testCards}
	reg := newRegistry(cfg.cards)
	errs := make(chan error, 64)
	go drainErrors(cfg, errs)

	srv := httptest.NewServer(newMux(cfg, reg, errs))
	t.Cleanup(srv.Close)

	return srv, reg
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectRoster(t *testing.T, conn *websocket.Conn, want []ParticipantView) {
	t.Helper()

	msg := readWire(t, conn)
	require.Equal(t, "updateUsers", msg.Type)
	assert.Equal(t, want, msg.Users)
}

func expectNotify(t *testing.T, conn *websocket.Conn, wantType string) {
	t.Helper()

	msg := readWire(t, conn)
	assert.Equal(t, wantType, msg.Type)
}

// Full two-client estimation round over real sockets: join, pick roles,
// vote hidden, reveal, reset.
func TestVotingRoundEndToEnd(t *testing.T) {
	srv, reg := newTestServer(t)

	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Alice"}))
	expectRoster(t, alice, []ParticipantView{{Name: "Alice"}})

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Bob"}))
	expectRoster(t, alice, []ParticipantView{{Name: "Alice"}, {Name: "Bob"}})
	expectRoster(t, bob, []ParticipantView{{Name: "Alice"}, {Name: "Bob"}})

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: "selectRole", RoomID: "abc", Role: "Estimator"}))
	expectRoster(t, alice, []ParticipantView{{Name: "Alice", Role: "Estimator"}, {Name: "Bob"}})
	expectRoster(t, bob, []ParticipantView{{Name: "Alice", Role: "Estimator"}, {Name: "Bob"}})

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: "selectRole", RoomID: "abc", Role: "Observer"}))
	expectRoster(t, alice, []ParticipantView{{Name: "Alice", Role: "Estimator"}, {Name: "Bob", Role: "Observer"}})
	expectRoster(t, bob, []ParticipantView{{Name: "Alice", Role: "Estimator"}, {Name: "Bob", Role: "Observer"}})

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: "vote", RoomID: "abc", Vote: "5"}))
	voted := []ParticipantView{{Name: "Alice", Role: "Estimator", Vote: str("5")}, {Name: "Bob", Role: "Observer"}}
	expectRoster(t, alice, voted)
	expectRoster(t, bob, voted)

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: "revealVotes", RoomID: "abc"}))
	expectNotify(t, alice, "revealVotes")
	expectNotify(t, bob, "revealVotes")
	expectRoster(t, alice, voted)
	expectRoster(t, bob, voted)

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: "resetVotes", RoomID: "abc"}))
	expectNotify(t, alice, "resetVotes")
	expectNotify(t, bob, "resetVotes")
	cleared := []ParticipantView{{Name: "Alice", Role: "Estimator"}, {Name: "Bob", Role: "Observer"}}
	expectRoster(t, alice, cleared)
	expectRoster(t, bob, cleared)

	room := reg.get("abc")
	require.NotNil(t, room)
	room.mu.Lock()
	assert.False(t, room.revealed)
	room.mu.Unlock()
}

func TestDisconnectDestroysRoomEndToEnd(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Alice"}))
	expectRoster(t, conn, []ParticipantView{{Name: "Alice"}})
	require.NotNil(t, reg.get("abc"))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return reg.get("abc") == nil
	}, 2*time.Second, 10*time.Millisecond, "room should be destroyed once its last member drops")
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	require.NoError(t, alice.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Alice"}))
	expectRoster(t, alice, []ParticipantView{{Name: "Alice"}})

	require.NoError(t, bob.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Bob"}))
	expectRoster(t, bob, []ParticipantView{{Name: "Alice"}, {Name: "Bob"}})

	require.NoError(t, alice.Close())
	expectRoster(t, bob, []ParticipantView{{Name: "Bob"}})
}

// A malformed frame must not take down the connection's room or the server.
func TestMalformedPayloadIsTolerated(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "joinRoom", RoomID: "abc", UserName: "Alice"}))
	expectRoster(t, conn, []ParticipantView{{Name: "Alice"}})

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "vote", RoomID: "abc", Vote: "not-a-card"}))
	expectRoster(t, conn, []ParticipantView{{Name: "Alice"}})

	require.NotNil(t, reg.get("abc"))
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ok\n", string(body))
}

func TestVersionPage(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pointbox v"+releaseVersion)
}

func TestNewRoomRedirect(t *testing.T) {
	srv, _ := newTestServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/poker")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/poker/"), "unexpected redirect target %q", location)
	assert.Len(t, strings.TrimPrefix(location, "/poker/"), 8)
}

func TestRoomQRCode(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/poker/abcd1234/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}

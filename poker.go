// Pointbox WebSocket plumbing
//
// One session per WebSocket connection: /ws. Every inbound event names
// the room it targets, so a single connection may take part in several rooms
// at once. Sessions are identified by a crypto/rand connection id that also
// keys roster entries; display names are presentation only.
//
// Routes:
// - /poker             → redirect to a new random room (8-char ID)
// - /poker/:roomid     → minimal HTML landing page for the room
// - /poker/:roomid/qr  → PNG QR code for sharing the room URL
// - /ws                → WebSocket carrying the event protocol
//
// The WebSocket endpoint sits outside /poker because httprouter does not
// mix a static /poker/ws route with the :roomid wildcard, and because one
// socket serves every room a client joins.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the envelope for every client → server event.
type ClientMessage struct {
	Type     string `json:"type"`               // "joinRoom", "selectRole", "vote", "revealVotes", "resetVotes", "changeName"
	RoomID   string `json:"roomId"`             // all events
	UserName string `json:"userName,omitempty"` // joinRoom
	Role     string `json:"role,omitempty"`     // selectRole
	Vote     string `json:"vote,omitempty"`     // vote
	OldName  string `json:"oldName,omitempty"`  // changeName (accepted but unused, see below)
	NewName  string `json:"newName,omitempty"`  // changeName
}

// UpdateUsersMessage carries the full roster of a room, in join order.
type UpdateUsersMessage struct {
	Type  string            `json:"type"` // "updateUsers"
	Users []ParticipantView `json:"users"`
}

// NotifyMessage signals reveal/reset transitions separately from roster
// updates so clients can drive their flip animations off a dedicated event.
type NotifyMessage struct {
	Type string `json:"type"` // "revealVotes" or "resetVotes"
}

// session binds one live connection to the rooms it has joined.
type session struct {
	cfg  *Config
	reg  *Registry
	conn *websocket.Conn
	send chan any

	connID string
	rooms  map[string]*Room // only touched by this session's read loop
	done   bool
}

func newSession(cfg *Config, reg *Registry, conn *websocket.Conn, connID string) *session {
	return &session{
		cfg:    cfg,
		reg:    reg,
		conn:   conn,
		send:   make(chan any, 8),
		connID: connID,
		rooms:  make(map[string]*Room),
	}
}

// kick severs the network connection of a member that can no longer keep up.
// The read loop then unblocks and runs the normal disconnect path.
func (s *session) kick() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// disconnect leaves every joined room, destroying the ones left empty, and
// releases the send channel. Safe to call more than once.
func (s *session) disconnect() {
	if s.done {
		return
	}
	s.done = true

	for id, room := range s.rooms {
		if room.leave(s) {
			s.reg.removeIfEmpty(id)
			logf(s.cfg, "ROOMS: Destroyed empty room %q", id)
		}
		delete(s.rooms, id)
	}

	close(s.send)
}

// dispatch applies one inbound event. Malformed events, events for rooms
// this session never joined, and unauthorized reveal/reset attempts are all
// dropped without touching room state.
func (s *session) dispatch(msg ClientMessage) {
	if msg.RoomID == "" {
		return
	}

	switch msg.Type {
	case "joinRoom":
		if msg.UserName == "" {
			return
		}
		s.joinRoom(msg.RoomID, msg.UserName)

	case "selectRole":
		role := Role(msg.Role)
		if role != RoleEstimator && role != RoleObserver {
			return
		}
		if room, ok := s.rooms[msg.RoomID]; ok {
			room.selectRole(s.connID, role)
		}

	case "vote":
		if room, ok := s.rooms[msg.RoomID]; ok {
			room.castVote(s.connID, msg.Vote)
		}

	case "revealVotes":
		if room, ok := s.rooms[msg.RoomID]; ok {
			if room.roleOf(s.connID) != RoleObserver {
				logf(s.cfg, "ROOMS: Denied reveal in %q to non-observer %s", msg.RoomID, s.connID)
				return
			}
			room.reveal()
		}

	case "resetVotes":
		if room, ok := s.rooms[msg.RoomID]; ok {
			if room.roleOf(s.connID) != RoleObserver {
				logf(s.cfg, "ROOMS: Denied reset in %q to non-observer %s", msg.RoomID, s.connID)
				return
			}
			room.reset()
		}

	case "changeName":
		// The wire shape carries oldName for compatibility with existing
		// clients, but the sender is identified by its connection, so the
		// rename can never hit another participant with the same name.
		if msg.NewName == "" {
			return
		}
		if room, ok := s.rooms[msg.RoomID]; ok {
			room.rename(s.connID, msg.NewName)
		}

	default:
		// ignore unknown types
	}
}

// joinRoom retries until the join lands on a live room. The loop only
// repeats when the registry handed out a room that was destroyed between
// lookup and join.
func (s *session) joinRoom(roomID, name string) {
	if room, ok := s.rooms[roomID]; ok {
		room.join(s, name)
		return
	}

	for {
		room := s.reg.getOrCreate(roomID)
		if room.join(s, name) {
			s.rooms[roomID] = room
			logf(s.cfg, "ROOMS: Participant %q joined %q", name, roomID)
			return
		}
	}
}

func (s *session) readLoop() {
	defer func() {
		s.disconnect()
		_ = s.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.dispatch(msg)
	}
}

func (s *session) writeLoop() {
	defer s.conn.Close()

	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	return hex.EncodeToString(buf)
}

func serveWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		connID := newConnID()
		if connID == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		s := newSession(cfg, reg, conn, connID)

		go s.writeLoop()
		s.readLoop()
	}
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with a live room.
func newRoomID(reg *Registry) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if reg.get(id) == nil {
			return id
		}
	}
}

// redirectNewRoom handles GET /poker by generating a fresh room ID and
// redirecting to its landing page.
func redirectNewRoom(cfg *Config, path string, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := newRoomID(reg)
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// serveRoomPage renders a minimal landing page for a room. The estimation
// UI itself is a separate client that talks to /ws.
func serveRoomPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("pointbox - "+roomID, "Estimation session "+roomID)))
	}
}

// qrHandler generates a PNG QR code for the room URL using go-qrcode, so a
// session can be shared by pointing a phone at the screen.
func qrHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		path := strings.TrimSuffix(r.URL.Path, "/qr")
		url := scheme + "://" + r.Host + path

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: QR code for %q (%s) to %s in %s",
			roomID,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// registerPoker sets up routes so that:
//   - $path                  → redirects to a new random room (8-char ID)
//   - $path/:roomid          → room landing page
//   - $path/:roomid/qr       → PNG QR code for that room URL
//   - /ws                    → shared WebSocket endpoint
func registerPoker(cfg *Config, path string, mux *httprouter.Router, reg *Registry, errs chan<- error) {
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, cfg.prefix+path, reg))

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, reg))

	mux.GET(cfg.prefix+path+"/:roomid", serveRoomPage(cfg))

	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler(cfg, errs))
}

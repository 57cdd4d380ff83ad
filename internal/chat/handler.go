package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatwire/internal/middleware"
	"chatwire/internal/user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Authenticator resolves a bearer credential to a stored user. The interface
// keeps this package decoupled from 'user''s service wiring.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*user.User, error)
}

type Handler struct {
	hub   *Hub
	auth  Authenticator
	repo  *Repository
	rooms RoomDirectory
}

func NewHandler(hub *Hub, auth Authenticator, repo *Repository, rooms RoomDirectory) *Handler {
	return &Handler{
		hub:   hub,
		auth:  auth,
		repo:  repo,
		rooms: rooms,
	}
}

// ServeWs authenticates the handshake and hands the connection to the hub.
// A bad credential is refused before the upgrade; no hub or registry state
// is touched for a connection that never authenticates.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	u, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		authErr := &AuthenticationError{Err: err}
		log.Printf("websocket handshake refused: %v", authErr)
		http.Error(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   u.ID,
		Username: u.Username,
		SocketID: uuid.NewString(),
	}
	client.Hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// RoomHistory serves GET /api/messages/room/{roomId}: the gateway's room
// query over plain HTTP for clients that want history without a socket.
// The "general" alias is resolved through the room store, never through the
// hub's cache, which belongs to the hub goroutine.
func (h *Handler) RoomHistory(w http.ResponseWriter, r *http.Request) {
	wireID := chi.URLParam(r, "roomId")

	var roomID int
	if wireID == GeneralAlias {
		general, err := h.rooms.EnsureGeneral(r.Context())
		if err != nil {
			http.Error(w, "Error fetching messages", http.StatusInternalServerError)
			return
		}
		roomID = general.ID
	} else {
		var err error
		roomID, err = parseWireID(wireID)
		if err != nil {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.repo.RoomMessages(r.Context(), roomID, DefaultHistoryLimit)
	if err != nil {
		http.Error(w, "Error fetching messages", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(wireMessages(msgs))
}

// DirectHistory serves GET /api/messages/direct/{userId} for the
// authenticated caller.
func (h *Handler) DirectHistory(w http.ResponseWriter, r *http.Request) {
	selfID, ok := r.Context().Value(middleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	otherID, err := parseWireID(chi.URLParam(r, "userId"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	msgs, err := h.repo.DirectMessages(r.Context(), selfID, otherID, DefaultHistoryLimit)
	if err != nil {
		http.Error(w, "Error fetching messages", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(wireMessages(msgs))
}

func parseWireID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

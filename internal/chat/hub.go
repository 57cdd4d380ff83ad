package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"chatwire/internal/room"
	"chatwire/internal/user"
)

// GeneralAlias is the symbolic room id clients may use for the default room,
// decoupling them from its storage identity.
const GeneralAlias = "general"

// MessageStore is what the hub needs from the persistence gateway.
type MessageStore interface {
	Save(ctx context.Context, m *Message) (*Message, error)
	RoomMessages(ctx context.Context, roomID, limit int) ([]*Message, error)
	DirectMessages(ctx context.Context, userA, userB, limit int) ([]*Message, error)
}

// RoomDirectory is what the hub needs from the room collaborator.
type RoomDirectory interface {
	EnsureGeneral(ctx context.Context) (*room.Room, error)
	FindByID(ctx context.Context, id int) (*room.Room, error)
}

// UserDirectory resolves user ids for recipient validation.
type UserDirectory interface {
	FindByID(ctx context.Context, id int) (*user.User, error)
}

// Inbound is one raw frame read from a connection, awaiting dispatch.
type Inbound struct {
	Client *Client
	Frame  []byte
}

// Hub owns all cross-connection state: the set of live connections, the
// presence registry, and the cached General room id. A single Run goroutine
// processes registrations, disconnects, and inbound events to completion,
// which gives every connection per-connection FIFO ordering.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *Inbound

	clients  map[*Client]bool
	presence *Presence
	store    MessageStore
	rooms    RoomDirectory
	users    UserDirectory

	// generalID caches the General room's storage id; 0 until first
	// resolved. Only the Run goroutine touches it.
	generalID int

	// presenceDirty marks that an eviction changed the registry mid
	// fan-out; the survivors get one presence broadcast once the current
	// event finishes.
	presenceDirty bool
}

func NewHub(store MessageStore, rooms RoomDirectory, users UserDirectory) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Inbound),
		clients:    make(map[*Client]bool),
		presence:   NewPresence(),
		store:      store,
		rooms:      rooms,
		users:      users,
	}
}

// Presence exposes the registry for read-side callers (tests, admin views).
func (h *Hub) Presence() *Presence {
	return h.presence
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.handleRegister(client)

		case client := <-h.Unregister:
			h.handleUnregister(client)

		case in := <-h.Inbound:
			h.dispatch(in.Client, in.Frame)
		}
		h.flushPresence()
	}
}

// flushPresence re-broadcasts the user list if an eviction dropped someone
// during the event just processed. The broadcast itself may evict more slow
// clients, so loop until the registry settles.
func (h *Hub) flushPresence() {
	for h.presenceDirty {
		h.presenceDirty = false
		h.broadcastPresence()
	}
}

// handleRegister moves a connection from Authenticated to Active: track it,
// auto-join the General room, register presence, and broadcast the new
// user list to everyone.
func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = true

	generalID, err := h.resolveGeneral(context.Background())
	if err != nil {
		log.Printf("general room unavailable at register: %v", err)
	} else {
		c.joinRoom(generalID)
	}

	h.presence.Register(c.UserID, c.Username, c.SocketID, c)
	log.Printf("user connected: %s (%s)", c.Username, c.SocketID)
	h.broadcastPresence()
}

// handleUnregister is idempotent: a second disconnect signal for the same
// connection finds it already gone and does nothing.
func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)

	// Only drop presence if this connection still owns the entry; a newer
	// connection for the same user may have replaced it.
	if e := h.presence.Find(c.UserID); e != nil && e.Client == c {
		h.presence.Unregister(c.UserID)
	}
	log.Printf("user disconnected: %s (%s)", c.Username, c.SocketID)
	h.broadcastPresence()
}

// dispatch validates and routes one inbound event. Every failure class is
// converted to a single 'error' event to the originator; no event ever
// affects another connection's session.
func (h *Hub) dispatch(c *Client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.sendError(c, "malformed event")
		return
	}

	ctx := context.Background()
	var err error
	var fallback string

	switch env.Event {
	case "join-room":
		fallback = "Failed to join room"
		err = h.handleJoinRoom(ctx, c, env.Data)
	case "room-message":
		fallback = "Failed to send message"
		err = h.handleRoomMessage(ctx, c, env.Data)
	case "direct-message":
		fallback = "Failed to send direct message"
		err = h.handleDirectMessage(ctx, c, env.Data)
	case "file-upload":
		fallback = "Failed to share file"
		err = h.handleFileUpload(ctx, c, env.Data)
	case "load-room-messages":
		fallback = "Failed to load messages"
		err = h.handleLoadRoomMessages(ctx, c, env.Data)
	case "load-direct-messages":
		fallback = "Failed to load direct messages"
		err = h.handleLoadDirectMessages(ctx, c, env.Data)
	default:
		h.sendError(c, "unknown event: "+env.Event)
		return
	}

	if err != nil {
		log.Printf("event %s from %s failed: %v", env.Event, c.Username, err)
		h.sendError(c, userMessage(err, fallback))
	}
}

// resolveGeneral returns the General room id, bootstrapping the room on
// first use. Create-if-absent is idempotent on the store side, so racing
// processes produce one winner and everyone else looks it up.
func (h *Hub) resolveGeneral(ctx context.Context) (int, error) {
	if h.generalID != 0 {
		return h.generalID, nil
	}
	r, err := h.rooms.EnsureGeneral(ctx)
	if err != nil {
		return 0, &StorageError{Message: "General room unavailable", Err: err}
	}
	h.generalID = r.ID

	// Every user is implicitly a General member. Connections registered
	// while bootstrap was still failing missed their auto-join; catch
	// them up now that the room exists.
	for c := range h.clients {
		c.joinRoom(r.ID)
	}
	return r.ID, nil
}

// resolveRoom maps a wire room id (possibly the "general" alias) to a
// storage id.
func (h *Hub) resolveRoom(ctx context.Context, wireID string) (int, error) {
	if wireID == GeneralAlias {
		return h.resolveGeneral(ctx)
	}
	id, err := strconv.Atoi(wireID)
	if err != nil || id <= 0 {
		return 0, &ValidationError{Message: "invalid room id"}
	}
	return id, nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	wireID, err := decodeIDArg(data, "roomId")
	if err != nil {
		return err
	}

	roomID, err := h.resolveRoom(ctx, wireID)
	if err != nil {
		return err
	}
	if _, err := h.rooms.FindByID(ctx, roomID); err != nil {
		if errors.Is(err, room.ErrNotFound) {
			return &NotFoundError{Message: "Room not found"}
		}
		return &StorageError{Message: "Failed to join room", Err: err}
	}

	c.joinRoom(roomID)

	// Joining replays recent history, same as an explicit load.
	msgs, err := h.store.RoomMessages(ctx, roomID, DefaultHistoryLimit)
	if err != nil {
		return err
	}
	return h.sendEvent(c, "room-messages", wireMessages(msgs))
}

func (h *Hub) handleRoomMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var p roomMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("malformed room-message payload")
	}
	if p.Content == "" {
		return validationf("message content is required")
	}

	roomID, err := h.resolveRoom(ctx, p.RoomID)
	if err != nil {
		return err
	}

	msg := &Message{
		Content:    p.Content,
		Kind:       KindRoom,
		SenderID:   c.UserID,
		SenderName: c.Username,
		RoomID:     roomID,
	}
	saved, err := h.store.Save(ctx, msg)
	if err != nil {
		return err
	}

	h.broadcastToRoom(roomID, "room-message", saved.Wire())
	return nil
}

func (h *Hub) handleDirectMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var p directMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("malformed direct-message payload")
	}
	if p.Content == "" {
		return validationf("message content is required")
	}

	recipientID, err := h.resolveRecipient(ctx, p.RecipientID)
	if err != nil {
		return err
	}

	msg := &Message{
		Content:     p.Content,
		Kind:        KindDirect,
		SenderID:    c.UserID,
		SenderName:  c.Username,
		RecipientID: recipientID,
	}
	saved, err := h.store.Save(ctx, msg)
	if err != nil {
		return err
	}

	h.deliverDirect(c, recipientID, saved)
	return nil
}

func (h *Hub) handleFileUpload(ctx context.Context, c *Client, data json.RawMessage) error {
	var p fileUploadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("malformed file-upload payload")
	}
	if p.File == nil {
		return validationf("file descriptor is required")
	}
	if p.File.Filename == "" || p.File.OriginalName == "" || p.File.MimeType == "" || p.File.Size <= 0 {
		return validationf("file descriptor is incomplete")
	}

	// Fixed placeholder content: the payload is the attachment.
	msg := &Message{
		Content:    "Shared a file",
		SenderID:   c.UserID,
		SenderName: c.Username,
		File:       p.File,
	}

	switch p.Type {
	case string(KindRoom):
		roomID, err := h.resolveRoom(ctx, p.RoomID)
		if err != nil {
			return err
		}
		msg.Kind = KindRoom
		msg.RoomID = roomID

		saved, err := h.store.Save(ctx, msg)
		if err != nil {
			return err
		}
		h.broadcastToRoom(roomID, "room-message", saved.Wire())
		return nil

	case string(KindDirect):
		recipientID, err := h.resolveRecipient(ctx, p.RecipientID)
		if err != nil {
			return err
		}
		msg.Kind = KindDirect
		msg.RecipientID = recipientID

		saved, err := h.store.Save(ctx, msg)
		if err != nil {
			return err
		}
		h.deliverDirect(c, recipientID, saved)
		return nil

	default:
		return validationf("file-upload type must be 'room' or 'direct'")
	}
}

func (h *Hub) handleLoadRoomMessages(ctx context.Context, c *Client, data json.RawMessage) error {
	wireID, err := decodeIDArg(data, "roomId")
	if err != nil {
		return err
	}

	roomID, err := h.resolveRoom(ctx, wireID)
	if err != nil {
		return err
	}
	msgs, err := h.store.RoomMessages(ctx, roomID, DefaultHistoryLimit)
	if err != nil {
		return err
	}
	return h.sendEvent(c, "room-messages", wireMessages(msgs))
}

func (h *Hub) handleLoadDirectMessages(ctx context.Context, c *Client, data json.RawMessage) error {
	wireID, err := decodeIDArg(data, "otherUserId")
	if err != nil {
		return err
	}
	otherID, err := strconv.Atoi(wireID)
	if err != nil || otherID <= 0 {
		return validationf("invalid user id")
	}

	msgs, err := h.store.DirectMessages(ctx, c.UserID, otherID, DefaultHistoryLimit)
	if err != nil {
		return err
	}
	return h.sendEvent(c, "direct-messages", wireMessages(msgs))
}

func (h *Hub) resolveRecipient(ctx context.Context, wireID string) (int, error) {
	if wireID == "" {
		return 0, validationf("recipientId is required")
	}
	id, err := strconv.Atoi(wireID)
	if err != nil || id <= 0 {
		return 0, validationf("invalid recipient id")
	}
	if _, err := h.users.FindByID(ctx, id); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return 0, &NotFoundError{Message: "Recipient not found"}
		}
		return 0, &StorageError{Message: "Failed to resolve recipient", Err: err}
	}
	return id, nil
}

// ---------------------------------------------
// Delivery
// ---------------------------------------------

// deliver queues a frame on one connection. A connection whose queue is full
// is dead weight: evict it rather than block the hub.
func (h *Hub) deliver(c *Client, frame []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- frame:
	default:
		delete(h.clients, c)
		close(c.Send)
		if e := h.presence.Find(c.UserID); e != nil && e.Client == c {
			h.presence.Unregister(c.UserID)
			h.presenceDirty = true
		}
	}
}

func (h *Hub) sendEvent(c *Client, event string, data any) error {
	frame, err := encodeEvent(event, data)
	if err != nil {
		return err
	}
	h.deliver(c, frame)
	return nil
}

func (h *Hub) sendError(c *Client, message string) {
	frame, err := encodeEvent("error", errorPayload{Message: message})
	if err != nil {
		return
	}
	h.deliver(c, frame)
}

// broadcastToRoom fans one event out to every connection joined to the room.
func (h *Hub) broadcastToRoom(roomID int, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("encode %s failed: %v", event, err)
		return
	}
	for c := range h.clients {
		if c.inRoom(roomID) {
			h.deliver(c, frame)
		}
	}
}

// deliverDirect sends a persisted direct message to the sender's own
// connection and, if the recipient is online, to theirs. An offline
// recipient is expected and silent; the message is already durable.
func (h *Hub) deliverDirect(sender *Client, recipientID int, saved *Message) {
	frame, err := encodeEvent("direct-message", saved.Wire())
	if err != nil {
		log.Printf("encode direct-message failed: %v", err)
		return
	}
	if e := h.presence.Find(recipientID); e != nil && e.Client != sender {
		h.deliver(e.Client, frame)
	}
	h.deliver(sender, frame)
}

// broadcastPresence pushes the current user list to every connection.
func (h *Hub) broadcastPresence() {
	frame, err := encodeEvent("users", wireUsers(h.presence.Snapshot()))
	if err != nil {
		log.Printf("encode users failed: %v", err)
		return
	}
	for c := range h.clients {
		h.deliver(c, frame)
	}
}

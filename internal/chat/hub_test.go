package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatwire/internal/room"
	"chatwire/internal/user"
)

// ---------------------------------------------
// Fakes (collaborators without I/O)
// ---------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	saved    []*Message
	failSave bool
	nextID   int
	roomMsgs []*Message
	direct   []*Message
}

func (s *fakeStore) Save(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSave {
		return nil, &StorageError{Message: "Failed to save message", Err: errors.New("disk full")}
	}
	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = time.Now()
	s.saved = append(s.saved, m)
	return m, nil
}

func (s *fakeStore) RoomMessages(_ context.Context, _ int, _ int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomMsgs, nil
}

func (s *fakeStore) DirectMessages(_ context.Context, _ int, _ int, _ int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct, nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *fakeStore) savedAt(i int) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.saved[i]
}

type fakeRooms struct {
	mu          sync.Mutex
	generalID   int
	ensureCalls int
	failEnsure  bool
	known       map[int]bool
}

func (r *fakeRooms) EnsureGeneral(_ context.Context) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureCalls++
	if r.failEnsure {
		return nil, errors.New("db down")
	}
	return &room.Room{ID: r.generalID, Name: room.GeneralName}, nil
}

func (r *fakeRooms) setFailEnsure(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failEnsure = v
}

func (r *fakeRooms) FindByID(_ context.Context, id int) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.generalID || r.known[id] {
		return &room.Room{ID: id}, nil
	}
	return nil, room.ErrNotFound
}

func (r *fakeRooms) ensureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureCalls
}

type fakeUsers struct {
	users map[int]string
}

func (u *fakeUsers) FindByID(_ context.Context, id int) (*user.User, error) {
	name, ok := u.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &user.User{ID: id, Username: name}, nil
}

// ---------------------------------------------
// Helpers
// ---------------------------------------------

func newTestHub() (*Hub, *fakeStore, *fakeRooms) {
	store := &fakeStore{}
	rooms := &fakeRooms{generalID: 1, known: map[int]bool{}}
	users := &fakeUsers{users: map[int]string{1: "alice", 2: "bob"}}
	h := NewHub(store, rooms, users)
	go h.Run()
	return h, store, rooms
}

func newTestClient(h *Hub, userID int, username, socketID string) *Client {
	return &Client{
		Hub:      h,
		Send:     make(chan []byte, 32),
		UserID:   userID,
		Username: username,
		SocketID: socketID,
	}
}

func recvEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

func recvEvent(t *testing.T, c *Client, want string) json.RawMessage {
	t.Helper()
	env := recvEnvelope(t, c)
	if env.Event != want {
		t.Fatalf("got event %q, want %q", env.Event, want)
	}
	return env.Data
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.Send:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendEvent(t *testing.T, h *Hub, c *Client, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatal(err)
	}
	h.Inbound <- &Inbound{Client: c, Frame: frame}
}

// connect registers the client and consumes its own presence broadcast.
func connect(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	h.Register <- c
	recvEvent(t, c, "users")
}

// ---------------------------------------------
// Lifecycle & presence
// ---------------------------------------------

func TestRegisterBroadcastsPresence(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	bob := newTestClient(h, 2, "bob", "sock-b")
	h.Register <- bob

	// Both connections see the two-user snapshot.
	for _, c := range []*Client{alice, bob} {
		data := recvEvent(t, c, "users")
		var users []PresenceUser
		if err := json.Unmarshal(data, &users); err != nil {
			t.Fatal(err)
		}
		if len(users) != 2 {
			t.Fatalf("users broadcast has %d entries, want 2", len(users))
		}
		if users[0].Username != "alice" || users[1].Username != "bob" {
			t.Errorf("users order = [%s, %s], want insertion order [alice, bob]",
				users[0].Username, users[1].Username)
		}
		if users[0].ID == users[1].ID {
			t.Error("duplicate user ids in presence broadcast")
		}
	}
}

func TestDisconnectBroadcastsAndIsIdempotent(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users") // bob's arrival

	h.Unregister <- alice
	data := recvEvent(t, bob, "users")
	var users []PresenceUser
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("users after disconnect = %+v, want only bob", users)
	}

	// A second disconnect signal is a no-op: no broadcast, no panic.
	h.Unregister <- alice
	sendEvent(t, h, bob, "room-message", roomMessagePayload{Content: "ping", RoomID: "general"})
	if env := recvEnvelope(t, bob); env.Event != "room-message" {
		t.Fatalf("expected room-message next, got %q (double-disconnect broadcast?)", env.Event)
	}

	if got := h.Presence().Len(); got != 1 {
		t.Errorf("presence len = %d, want 1", got)
	}
}

func TestSlowClientEvictionUpdatesPresence(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	// bob's queue holds a single frame and is never drained, so his own
	// arrival broadcast already fills it.
	bob := newTestClient(h, 2, "bob", "sock-b")
	bob.Send = make(chan []byte, 1)
	h.Register <- bob
	recvEvent(t, alice, "users") // bob's arrival

	// The fan-out cannot queue on bob and evicts him.
	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "hi", RoomID: "general"})
	recvEvent(t, alice, "room-message")

	data := recvEvent(t, alice, "users")
	var users []PresenceUser
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("users after eviction = %+v, want only alice", users)
	}
	if got := h.Presence().Len(); got != 1 {
		t.Errorf("presence len = %d, want 1", got)
	}
}

// ---------------------------------------------
// Room messages
// ---------------------------------------------

func TestRoomMessageFanout(t *testing.T) {
	h, store, rooms := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users") // bob's arrival

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "hi", RoomID: "general"})

	for _, c := range []*Client{alice, bob} {
		data := recvEvent(t, c, "room-message")
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Content != "hi" {
			t.Errorf("content = %q, want %q", msg.Content, "hi")
		}
		if msg.Sender.Username != "alice" {
			t.Errorf("sender.username = %q, want alice", msg.Sender.Username)
		}
		if msg.RoomID != "1" {
			t.Errorf("roomId = %q, want %q (resolved general alias)", msg.RoomID, "1")
		}
		if msg.Type != KindRoom {
			t.Errorf("type = %q, want room", msg.Type)
		}
	}

	if store.savedCount() != 1 {
		t.Fatalf("saved %d messages, want 1", store.savedCount())
	}
	saved := store.savedAt(0)
	if saved.RoomID != 1 || saved.Kind != KindRoom || saved.RecipientID != 0 {
		t.Errorf("saved message = %+v, want room message in room 1", saved)
	}

	// The General room is resolved once and cached after that.
	if got := rooms.ensureCount(); got != 1 {
		t.Errorf("EnsureGeneral called %d times, want 1", got)
	}
}

func TestGeneralJoinRecoversAfterBootstrapFailure(t *testing.T) {
	h, store, rooms := newTestHub()
	rooms.setFailEnsure(true)

	// Both connect while the General room cannot be resolved; their
	// auto-join is skipped.
	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "anyone?", RoomID: "general"})
	data := recvEvent(t, alice, "error")
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "General room unavailable" {
		t.Errorf("error message = %q", p.Message)
	}

	// Once the store recovers, the next resolution joins everyone who
	// connected during the outage.
	rooms.setFailEnsure(false)
	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "back up", RoomID: "general"})

	for _, c := range []*Client{alice, bob} {
		data := recvEvent(t, c, "room-message")
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Content != "back up" {
			t.Errorf("content = %q, want %q", msg.Content, "back up")
		}
	}
	if store.savedCount() != 1 {
		t.Errorf("saved %d messages, want 1", store.savedCount())
	}
}

func TestRoomMessageEmptyContentRejected(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "", RoomID: "general"})

	data := recvEvent(t, alice, "error")
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message == "" {
		t.Error("error payload has empty message")
	}
	if store.savedCount() != 0 {
		t.Errorf("saved %d messages, want 0", store.savedCount())
	}
	assertNoFrame(t, bob)
}

func TestRoomMessagePerConnectionOrder(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "first", RoomID: "general"})
	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "second", RoomID: "general"})

	for _, want := range []string{"first", "second"} {
		data := recvEvent(t, alice, "room-message")
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Content != want {
			t.Fatalf("got %q, want %q (per-connection FIFO)", msg.Content, want)
		}
	}

	if store.savedCount() != 2 {
		t.Fatalf("saved %d, want 2", store.savedCount())
	}
	if store.savedAt(0).Content != "first" || store.savedAt(1).Content != "second" {
		t.Error("persistence order does not match submission order")
	}
}

func TestStorageFailureAbortsDelivery(t *testing.T) {
	h, store, _ := newTestHub()
	store.failSave = true

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "hi", RoomID: "general"})

	data := recvEvent(t, alice, "error")
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "Failed to save message" {
		t.Errorf("error message = %q", p.Message)
	}
	assertNoFrame(t, bob)
}

// ---------------------------------------------
// Direct messages
// ---------------------------------------------

func TestDirectMessageDeliveredToBothEnds(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "direct-message", directMessagePayload{Content: "psst", RecipientID: "2"})

	for _, c := range []*Client{alice, bob} {
		data := recvEvent(t, c, "direct-message")
		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != KindDirect {
			t.Errorf("type = %q, want direct", msg.Type)
		}
		if msg.Recipient == nil || msg.Recipient.ID != "2" {
			t.Errorf("recipient = %+v, want user 2", msg.Recipient)
		}
		if msg.RoomID != "" {
			t.Errorf("direct message carries roomId %q", msg.RoomID)
		}
	}

	if store.savedCount() != 1 {
		t.Fatalf("saved %d messages, want exactly 1", store.savedCount())
	}
}

func TestDirectMessageOfflineRecipientPersistsOnly(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	// bob (user 2) exists but is not connected.
	sendEvent(t, h, alice, "direct-message", directMessagePayload{Content: "you there?", RecipientID: "2"})

	recvEvent(t, alice, "direct-message")
	if store.savedCount() != 1 {
		t.Fatalf("saved %d messages, want 1 (offline recipient still persists)", store.savedCount())
	}

	// bob connects later and loads the conversation.
	store.mu.Lock()
	store.direct = []*Message{store.saved[0]}
	store.mu.Unlock()

	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, bob, "load-direct-messages", "1")
	data := recvEvent(t, bob, "direct-messages")
	var msgs []WireMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "you there?" {
		t.Fatalf("loaded %+v, want the offline-delivered message", msgs)
	}
	assertNoFrame(t, alice)
}

func TestDirectMessageUnknownRecipientRejected(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	sendEvent(t, h, alice, "direct-message", directMessagePayload{Content: "hello?", RecipientID: "99"})

	data := recvEvent(t, alice, "error")
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "Recipient not found" {
		t.Errorf("error message = %q, want %q", p.Message, "Recipient not found")
	}
	if store.savedCount() != 0 {
		t.Errorf("saved %d messages, want 0", store.savedCount())
	}
}

// ---------------------------------------------
// Rooms: join + history
// ---------------------------------------------

func TestJoinRoomScopesFanout(t *testing.T) {
	h, _, rooms := newTestHub()
	rooms.mu.Lock()
	rooms.known[5] = true
	rooms.mu.Unlock()

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "join-room", "5")
	recvEvent(t, alice, "room-messages") // history replay on join

	sendEvent(t, h, alice, "room-message", roomMessagePayload{Content: "private-ish", RoomID: "5"})

	recvEvent(t, alice, "room-message")
	assertNoFrame(t, bob) // bob never joined room 5
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	sendEvent(t, h, alice, "join-room", "99")
	data := recvEvent(t, alice, "error")
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "Room not found" {
		t.Errorf("error message = %q, want %q", p.Message, "Room not found")
	}
}

func TestLoadRoomMessagesRepliesToRequesterOnly(t *testing.T) {
	h, store, _ := newTestHub()
	store.roomMsgs = []*Message{
		{ID: 1, Content: "old", Kind: KindRoom, SenderID: 2, SenderName: "bob", RoomID: 1},
		{ID: 2, Content: "new", Kind: KindRoom, SenderID: 1, SenderName: "alice", RoomID: 1},
	}

	alice := newTestClient(h, 1, "alice", "sock-a")
	bob := newTestClient(h, 2, "bob", "sock-b")
	connect(t, h, alice)
	connect(t, h, bob)
	recvEvent(t, alice, "users")

	sendEvent(t, h, alice, "load-room-messages", "general")

	data := recvEvent(t, alice, "room-messages")
	var msgs []WireMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "old" || msgs[1].Content != "new" {
		t.Fatalf("history = %+v, want [old, new] ascending", msgs)
	}
	assertNoFrame(t, bob)
}

// ---------------------------------------------
// File shares
// ---------------------------------------------

func TestFileShareRoom(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	att := &Attachment{
		Filename:     "abc-report.pdf",
		OriginalName: "report.pdf",
		MimeType:     "application/pdf",
		Size:         2048,
	}
	sendEvent(t, h, alice, "file-upload", fileUploadPayload{Type: "room", RoomID: "general", File: att})

	data := recvEvent(t, alice, "room-message")
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "Shared a file" {
		t.Errorf("content = %q, want placeholder label", msg.Content)
	}
	if msg.File == nil || msg.File.OriginalName != "report.pdf" {
		t.Errorf("file = %+v, want attachment", msg.File)
	}

	saved := store.savedAt(0)
	if saved.File == nil || saved.File.Size != 2048 {
		t.Errorf("persisted attachment = %+v", saved.File)
	}
}

func TestFileShareRequiresDescriptor(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	sendEvent(t, h, alice, "file-upload", fileUploadPayload{Type: "room", RoomID: "general"})
	recvEvent(t, alice, "error")
	if store.savedCount() != 0 {
		t.Errorf("saved %d messages, want 0", store.savedCount())
	}
}

func TestFileShareIncompleteDescriptorRejected(t *testing.T) {
	h, store, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	tests := []struct {
		name string
		att  Attachment
	}{
		{"missing filename", Attachment{OriginalName: "report.pdf", MimeType: "application/pdf", Size: 2048}},
		{"missing original name", Attachment{Filename: "abc-report.pdf", MimeType: "application/pdf", Size: 2048}},
		{"missing mime type", Attachment{Filename: "abc-report.pdf", OriginalName: "report.pdf", Size: 2048}},
		{"zero size", Attachment{Filename: "abc-report.pdf", OriginalName: "report.pdf", MimeType: "application/pdf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := tt.att
			sendEvent(t, h, alice, "file-upload", fileUploadPayload{Type: "room", RoomID: "general", File: &att})
			data := recvEvent(t, alice, "error")
			var p errorPayload
			if err := json.Unmarshal(data, &p); err != nil {
				t.Fatal(err)
			}
			if p.Message != "file descriptor is incomplete" {
				t.Errorf("error message = %q", p.Message)
			}
		})
	}

	if store.savedCount() != 0 {
		t.Errorf("saved %d messages, want 0", store.savedCount())
	}
}

// ---------------------------------------------
// Dispatch edges
// ---------------------------------------------

func TestUnknownEventRejected(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	h.Inbound <- &Inbound{Client: alice, Frame: []byte(`{"event":"shrug","data":{}}`)}
	recvEvent(t, alice, "error")
}

func TestMalformedFrameRejected(t *testing.T) {
	h, _, _ := newTestHub()

	alice := newTestClient(h, 1, "alice", "sock-a")
	connect(t, h, alice)

	h.Inbound <- &Inbound{Client: alice, Frame: []byte(`not json`)}
	recvEvent(t, alice, "error")
}

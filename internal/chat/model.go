package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// ---------------------------------------------
// Database models
// ---------------------------------------------

type Kind string

const (
	KindRoom   Kind = "room"
	KindDirect Kind = "direct"
)

// Attachment is the stored-file descriptor produced by the upload endpoint
// and carried on file-share messages. The wire field names are part of the
// client contract.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// Message is append-only: once persisted it never changes. Exactly one of
// RoomID / RecipientID is set, matching Kind.
type Message struct {
	ID            int
	Content       string
	Kind          Kind
	SenderID      int
	SenderName    string // denormalized by the repository's JOIN
	RoomID        int
	RecipientID   int
	RecipientName string
	File          *Attachment
	CreatedAt     time.Time
}

// ---------------------------------------------
// Wire protocol
// ---------------------------------------------

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Ids travel as decimal strings; the storage identity is an int.
type WireUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// PresenceUser is one entry of the 'users' broadcast.
type PresenceUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

type WireMessage struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Type      Kind        `json:"type"`
	Sender    WireUser    `json:"sender"`
	RoomID    string      `json:"roomId,omitempty"`
	Recipient *WireUser   `json:"recipient,omitempty"`
	File      *Attachment `json:"file,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (m *Message) Wire() WireMessage {
	w := WireMessage{
		ID:      strconv.Itoa(m.ID),
		Content: m.Content,
		Type:    m.Kind,
		Sender: WireUser{
			ID:       strconv.Itoa(m.SenderID),
			Username: m.SenderName,
		},
		File:      m.File,
		CreatedAt: m.CreatedAt,
	}
	if m.Kind == KindRoom {
		w.RoomID = strconv.Itoa(m.RoomID)
	} else {
		w.Recipient = &WireUser{
			ID:       strconv.Itoa(m.RecipientID),
			Username: m.RecipientName,
		}
	}
	return w
}

func wireMessages(msgs []*Message) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

type roomMessagePayload struct {
	Content string `json:"content"`
	RoomID  string `json:"roomId"`
}

type directMessagePayload struct {
	Content     string `json:"content"`
	RecipientID string `json:"recipientId"`
}

type fileUploadPayload struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId,omitempty"`
	RecipientID string      `json:"recipientId,omitempty"`
	File        *Attachment `json:"file"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// decodeIDArg accepts either a bare JSON string ("general") or an object
// carrying the id under the given key ({"roomId": "general"}); the original
// client sends the bare form. A missing id and a wrong-typed id report
// different failures.
func decodeIDArg(data json.RawMessage, key string) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return "", validationf("%s is required", key)
		}
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", validationf("%s must be a string", key)
	}
	raw, ok := obj[key]
	if !ok {
		return "", validationf("%s is required", key)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", validationf("%s must be a string", key)
	}
	if s == "" {
		return "", validationf("%s is required", key)
	}
	return s, nil
}

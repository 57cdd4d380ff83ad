package chat

import (
	"context"
	"database/sql"
)

// DefaultHistoryLimit is the recency window for history queries.
const DefaultHistoryLimit = 50

// Repository is the append-only message store. Queries return messages in
// ascending chronological order (ties broken by id) and denormalize sender
// and recipient usernames so callers never join themselves.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func nullableID(id int) any {
	if id == 0 {
		return nil
	}
	return id
}

// Save appends the message and returns it populated with the assigned id,
// timestamp, and display usernames. If Save fails the message was not
// persisted and must not be delivered.
func (r *Repository) Save(ctx context.Context, m *Message) (*Message, error) {
	query := `
		WITH inserted AS (
			INSERT INTO messages
				(content, sender_id, room_id, recipient_id, kind,
				 file_name, file_original_name, file_mime_type, file_size)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, sender_id, recipient_id, created_at
		)
		SELECT i.id, i.created_at, s.username, COALESCE(rc.username, '')
		FROM inserted i
		JOIN users s ON s.id = i.sender_id
		LEFT JOIN users rc ON rc.id = i.recipient_id
	`

	var fileName, fileOriginal, fileMime any
	var fileSize any
	if m.File != nil {
		fileName = m.File.Filename
		fileOriginal = m.File.OriginalName
		fileMime = m.File.MimeType
		fileSize = m.File.Size
	}

	err := r.db.QueryRowContext(ctx, query,
		m.Content, m.SenderID, nullableID(m.RoomID), nullableID(m.RecipientID), string(m.Kind),
		fileName, fileOriginal, fileMime, fileSize,
	).Scan(&m.ID, &m.CreatedAt, &m.SenderName, &m.RecipientName)
	if err != nil {
		return nil, &StorageError{Message: "Failed to save message", Err: err}
	}
	return m, nil
}

const messageColumns = `
	m.id, m.content, m.kind, m.sender_id, s.username,
	m.room_id, m.recipient_id, COALESCE(rc.username, ''),
	m.file_name, m.file_original_name, m.file_mime_type, m.file_size,
	m.created_at
`

// RoomMessages returns the most recent limit room messages in ascending
// chronological order.
func (r *Repository) RoomMessages(ctx context.Context, roomID, limit int) ([]*Message, error) {
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN users s ON s.id = m.sender_id
			LEFT JOIN users rc ON rc.id = m.recipient_id
			WHERE m.room_id = $1 AND m.kind = 'room'
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC
	`
	return r.queryMessages(ctx, query, roomID, limit)
}

// DirectMessages returns the most recent limit messages exchanged between
// the two users, in either direction, ascending.
func (r *Repository) DirectMessages(ctx context.Context, userA, userB, limit int) ([]*Message, error) {
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN users s ON s.id = m.sender_id
			LEFT JOIN users rc ON rc.id = m.recipient_id
			WHERE m.kind = 'direct' AND (
				(m.sender_id = $1 AND m.recipient_id = $2) OR
				(m.sender_id = $2 AND m.recipient_id = $1)
			)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent ORDER BY created_at ASC, id ASC
	`
	return r.queryMessages(ctx, query, userA, userB, limit)
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Message: "Failed to load messages", Err: err}
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var kind string
		var roomID, recipientID sql.NullInt64
		var fileName, fileOriginal, fileMime sql.NullString
		var fileSize sql.NullInt64

		if err := rows.Scan(
			&m.ID, &m.Content, &kind, &m.SenderID, &m.SenderName,
			&roomID, &recipientID, &m.RecipientName,
			&fileName, &fileOriginal, &fileMime, &fileSize,
			&m.CreatedAt,
		); err != nil {
			return nil, &StorageError{Message: "Failed to load messages", Err: err}
		}

		m.Kind = Kind(kind)
		m.RoomID = int(roomID.Int64)
		m.RecipientID = int(recipientID.Int64)
		if fileName.Valid {
			m.File = &Attachment{
				Filename:     fileName.String,
				OriginalName: fileOriginal.String,
				MimeType:     fileMime.String,
				Size:         fileSize.Int64,
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Message: "Failed to load messages", Err: err}
	}
	return messages, nil
}

package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("room not found")

const cacheTTL = 5 * time.Minute

// Store persists rooms in Postgres and keeps a Redis cache-aside for
// name lookups, which the hub hits on every "general" alias resolution.
type Store struct {
	db    *sql.DB
	cache *redis.Client
}

func NewStore(db *sql.DB, cache *redis.Client) *Store {
	return &Store{db: db, cache: cache}
}

func cacheKey(name string) string {
	return "room:name:" + name
}

func (s *Store) Create(ctx context.Context, r *Room) (*Room, error) {
	query := `
		INSERT INTO rooms (name, description, is_private, owner_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, r.Name, r.Description, r.IsPrivate, r.OwnerID).
		Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Drop any stale cache entry for this name.
	if s.cache != nil {
		s.cache.Del(ctx, cacheKey(r.Name))
	}
	return r, nil
}

func (s *Store) FindByID(ctx context.Context, id int) (*Room, error) {
	r := &Room{}
	query := "SELECT id, name, description, is_private, owner_id, created_at FROM rooms WHERE id = $1"

	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&r.ID, &r.Name, &r.Description, &r.IsPrivate, &r.OwnerID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) FindByName(ctx context.Context, name string) (*Room, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, cacheKey(name)).Bytes()
		if err == nil {
			r := &Room{}
			if err := json.Unmarshal(data, r); err == nil {
				return r, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Printf("room cache get failed: %v", err)
		}
	}

	r := &Room{}
	query := "SELECT id, name, description, is_private, owner_id, created_at FROM rooms WHERE name = $1"

	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&r.ID, &r.Name, &r.Description, &r.IsPrivate, &r.OwnerID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(r); err == nil {
			s.cache.Set(ctx, cacheKey(name), data, cacheTTL)
		}
	}
	return r, nil
}

// EnsureGeneral creates the General room if it does not exist yet. The name
// is UNIQUE, so concurrent callers race to one winner and everyone else
// falls through to the lookup.
func (s *Store) EnsureGeneral(ctx context.Context) (*Room, error) {
	query := `
		INSERT INTO rooms (name, description, is_private, owner_id)
		VALUES ($1, 'General chat room for all users', FALSE, NULL)
		ON CONFLICT (name) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, GeneralName); err != nil {
		return nil, err
	}
	return s.FindByName(ctx, GeneralName)
}

func (s *Store) ListPublic(ctx context.Context) ([]Room, error) {
	query := `
		SELECT id, name, description, is_private, owner_id, created_at
		FROM rooms WHERE is_private = FALSE ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsPrivate, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// Join is idempotent; joining a room twice is not an error.
func (s *Store) Join(ctx context.Context, roomID, userID int) error {
	if _, err := s.FindByID(ctx, roomID); err != nil {
		return err
	}
	query := `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, roomID, userID)
	return err
}

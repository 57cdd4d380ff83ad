package chat

import (
	"strconv"
	"sync"
)

// PresenceEntry binds a connected user to their live connection handle.
type PresenceEntry struct {
	UserID   int
	Username string
	SocketID string
	Client   *Client
}

// Presence is the process-wide registry of online users. At most one entry
// exists per user: a second connection for the same user replaces the first
// (last connection wins). All operations are atomic; Snapshot returns a
// copy, never a live view.
type Presence struct {
	mu      sync.Mutex
	entries map[int]*PresenceEntry
	order   []int // userIDs in insertion order
}

func NewPresence() *Presence {
	return &Presence{
		entries: make(map[int]*PresenceEntry),
	}
}

// Register adds or replaces the entry for userID. A replaced user moves to
// the back of the insertion order, same as a fresh connect.
func (p *Presence) Register(userID int, username, socketID string, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[userID]; ok {
		p.removeOrderLocked(userID)
	}
	p.entries[userID] = &PresenceEntry{
		UserID:   userID,
		Username: username,
		SocketID: socketID,
		Client:   client,
	}
	p.order = append(p.order, userID)
}

// Unregister removes the entry for userID. Removing an absent user is a
// no-op, not an error.
func (p *Presence) Unregister(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[userID]; !ok {
		return
	}
	delete(p.entries, userID)
	p.removeOrderLocked(userID)
}

func (p *Presence) removeOrderLocked(userID int) {
	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Find returns the entry for userID, or nil if the user is offline.
func (p *Presence) Find(userID int) *PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

// Snapshot returns all entries in insertion order.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PresenceEntry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.entries[id])
	}
	return out
}

// Len reports how many users are online.
func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// wireUsers shapes a snapshot for the 'users' broadcast.
func wireUsers(entries []PresenceEntry) []PresenceUser {
	out := make([]PresenceUser, 0, len(entries))
	for _, e := range entries {
		out = append(out, PresenceUser{
			ID:       strconv.Itoa(e.UserID),
			Username: e.Username,
			SocketID: e.SocketID,
		})
	}
	return out
}

package relay

import (
	"cmp"
	"slices"
	"time"
)

// OnlineUser is a registry projection of one connected user.
type OnlineUser struct {
	UserID      string    `json:"userId"`
	UserEmail   string    `json:"userEmail"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ParticipantPresence is the online state of one conversation participant. LastSeen is
// only known for users with a live connection.
type ParticipantPresence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// ConnectionCount returns the number of live sessions.
func (h *Hub) ConnectionCount() (int, error) {
	var n int
	err := h.do(func() { n = len(h.sessions) })
	return n, err
}

// OnlineUsers lists connected users ordered by user id, merging multi-tab sessions.
func (h *Hub) OnlineUsers() ([]OnlineUser, error) {
	var out []OnlineUser
	err := h.do(func() { out = h.onlineUsers() })
	return out, err
}

func (h *Hub) onlineUsers() []OnlineUser {
	byUser := make(map[string]*OnlineUser)
	for _, s := range h.sessions {
		u, ok := byUser[s.User.ID]
		if !ok {
			u = &OnlineUser{UserID: s.User.ID, UserEmail: s.User.Email}
			byUser[s.User.ID] = u
		}
		u.Connections++
		if s.lastSeen.After(u.LastSeen) {
			u.LastSeen = s.lastSeen
		}
	}

	out := make([]OnlineUser, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b OnlineUser) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// Presence reports the online state of each of userIDs, in the given order.
func (h *Hub) Presence(userIDs []string) ([]ParticipantPresence, error) {
	var out []ParticipantPresence
	err := h.do(func() {
		online := make(map[string]OnlineUser)
		for _, u := range h.onlineUsers() {
			online[u.UserID] = u
		}

		out = make([]ParticipantPresence, 0, len(userIDs))
		for _, id := range userIDs {
			u, ok := online[id]
			out = append(out, ParticipantPresence{UserID: id, Online: ok, LastSeen: u.LastSeen})
		}
	})
	return out, err
}

// TypingUsers lists the users typing in room, sorted.
func (h *Hub) TypingUsers(room string) ([]string, error) {
	var out []string
	err := h.do(func() {
		for id := range h.typing[room] {
			out = append(out, id)
		}
	})
	slices.Sort(out)
	return out, err
}

// Rooms lists the rooms s has joined, sorted.
func (h *Hub) Rooms(s *Session) ([]string, error) {
	var out []string
	err := h.do(func() {
		for room := range s.rooms {
			out = append(out, room)
		}
	})
	slices.Sort(out)
	return out, err
}

// HasSession reports whether s is registered.
func (h *Hub) HasSession(s *Session) bool {
	var ok bool
	_ = h.do(func() { _, ok = h.sessions[s.ID] })
	return ok
}

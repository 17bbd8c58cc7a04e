package domain

import "time"

// RoomStatus is a discovered room as advertised by its host. Entries are
// refreshed on every roomStatus message and pruned once LastSeen falls
// behind the stale threshold.
type RoomStatus struct {
	PeerID         PeerID   `json:"peerId"`
	Username       string   `json:"username"`
	Hosting        bool     `json:"hosting"`
	GameType       string   `json:"gameType"`
	MaxPlayers     int      `json:"maxPlayers"`
	CurrentPlayers int      `json:"currentPlayers"`
	Slots          []string `json:"slots"`

	LastSeen time.Time `json:"-"`
}

// Stale reports whether the advertisement has not been refreshed within
// the given threshold.
func (r *RoomStatus) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastSeen) > threshold
}

// Full reports whether the room has no open slot left.
func (r *RoomStatus) Full() bool {
	return r.MaxPlayers > 0 && r.CurrentPlayers >= r.MaxPlayers
}

// Package sessions arbitrates which client of a session is active.
//
// Every client heartbeats the registry. The active client is the one with
// the most recent heartbeat whose age is below the staleness threshold;
// ties go to the lexicographically smallest client ID. There is no
// handoff: when the active client goes quiet, the next client to heartbeat
// wins. Two clients heartbeating in the same instant may disagree for at
// most one heartbeat interval.
package sessions

import (
	"time"
)

// ClientRecord is the registry's view of one client in one session.
type ClientRecord struct {
	SessionID     string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	Platform      string    `json:"platform,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	FirstSeen     time.Time `json:"first_seen"`

	// IsActive is derived at read time and never stored.
	IsActive bool `json:"is_active"`
}

// Elect picks the active client among records at now. It returns false
// when every record is at least staleness old.
func Elect(records []ClientRecord, now time.Time, staleness time.Duration) (ClientRecord, bool) {
	var (
		best  ClientRecord
		found bool
	)
	for _, r := range records {
		if now.Sub(r.LastHeartbeat) >= staleness {
			continue
		}
		if !found || r.LastHeartbeat.After(best.LastHeartbeat) ||
			(r.LastHeartbeat.Equal(best.LastHeartbeat) && r.ClientID < best.ClientID) {
			best, found = r, true
		}
	}
	return best, found
}

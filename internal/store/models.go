package store

import "time"

// Sighting is the persisted record of a lock seen during scans.
type Sighting struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name,omitempty"`
	RSSI      int8      `json:"rssi"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// UnlockRecord is one settled unlock session. ID is the session ULID, so
// byte order is chronological order.
type UnlockRecord struct {
	ID          string    `json:"id"`
	MAC         string    `json:"mac"`
	Name        string    `json:"name,omitempty"`
	OK          bool      `json:"ok"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	RequestedAt time.Time `json:"requested_at"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

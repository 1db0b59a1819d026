package model

import "time"

// PeerStatus is the classification of a peer in the cluster health table.
type PeerStatus string

const (
	PeerHealthy PeerStatus = "healthy"
	PeerDown    PeerStatus = "down"
)

// PeerHealth is the health table's view of one peer.
type PeerHealth struct {
	PeerID          string     `json:"peer_id"`
	URL             string     `json:"url"`
	Status          PeerStatus `json:"status"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	HasHeartbeat    bool       `json:"-"`
	SecondsSinceHB  float64    `json:"seconds_since_last_heartbeat"`
}

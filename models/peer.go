package models

import "time"

// Liveness classifies a peer by time since its last advertisement.
type Liveness string

const (
	LivenessActive Liveness = "active"
	LivenessStale  Liveness = "stale"
	LivenessLost   Liveness = "lost"
)

// PeerMetadata is the advertised description of a remote peer.
type PeerMetadata struct {
	DisplayName string `json:"name"`
	Instance    string `json:"instance"`
	Version     int    `json:"version"`
	Platform    string `json:"platform"`
}

// PeerRecord is the registry's view of one remote peer.
type PeerRecord struct {
	PeerID   string       `json:"peer_id"`
	Metadata PeerMetadata `json:"metadata"`
	Liveness Liveness     `json:"liveness"`
	LastSeen time.Time    `json:"last_seen"`
	Address  string       `json:"address"`
}

// PeerInfo is the shell-facing projection of a peer.
type PeerInfo struct {
	ID       string            `json:"id"`
	Metadata *PeerInfoMetadata `json:"metadata,omitempty"`
}

// PeerInfoMetadata mirrors PeerMetadata with the transport address folded in.
type PeerInfoMetadata struct {
	Addr     string `json:"addr"`
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

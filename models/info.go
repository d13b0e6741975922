package models

import "strconv"

// Info projects a record into the shell-facing shape.
func (r PeerRecord) Info() PeerInfo {
	return PeerInfo{
		ID:       r.PeerID,
		Metadata: NewPeerInfoMetadata(r.Metadata, r.Address),
	}
}

// NewPeerInfoMetadata folds an address into advertised metadata.
func NewPeerInfoMetadata(meta PeerMetadata, address string) *PeerInfoMetadata {
	return &PeerInfoMetadata{
		Addr:     address,
		Name:     meta.DisplayName,
		Instance: meta.Instance,
		Version:  strconv.Itoa(meta.Version),
		Platform: meta.Platform,
	}
}

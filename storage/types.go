package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a peer is absent from the directory.
var ErrNotFound = errors.New("storage: not found")

const (
	// StatusOnline marks a peer whose last presence event was a sighting.
	StatusOnline = "online"
	// StatusOffline marks a peer the health monitor declared lost.
	StatusOffline = "offline"
)

// KnownPeer is one row of the peer directory.
type KnownPeer struct {
	PeerID      string
	DisplayName string
	Address     string
	Version     int
	Platform    string
	Status      string
	FirstSeen   time.Time
	LastSeen    time.Time
	Sightings   int64
}

// Sighting is the data recorded when a peer is seen online.
type Sighting struct {
	PeerID      string
	DisplayName string
	Address     string
	Version     int
	Platform    string
	At          time.Time
}

func validateStatus(status string) error {
	switch status {
	case StatusOnline, StatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

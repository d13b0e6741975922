package presence

import (
	"time"

	"github.com/google/uuid"

	"lanchat/models"
)

// Source names the subsystem whose stimulus caused an event.
type Source string

const (
	SourceDiscovery Source = "discovery"
	SourceHealth    Source = "health"
)

// EventHeader is shared by every presence event.
type EventHeader struct {
	ID        string
	PeerID    string
	Timestamp time.Time
	Source    Source
}

// Header returns the common event fields.
func (h EventHeader) Header() EventHeader {
	return h
}

// PeerEvent is a closed set of registry transitions. Consumers dispatch with
// Accept; adding a variant adds a method to PeerEventVisitor, which breaks
// every implementation at compile time.
type PeerEvent interface {
	Header() EventHeader
	Accept(v PeerEventVisitor)
}

// PeerEventVisitor handles each presence event variant.
type PeerEventVisitor interface {
	VisitJoined(Joined)
	VisitUpdated(Updated)
	VisitReconnected(Reconnected)
	VisitLeft(Left)
}

// Joined is emitted on first contact with a peer.
type Joined struct {
	EventHeader
	Metadata models.PeerMetadata
	Address  string
}

// Updated is emitted when an active peer advertises different metadata.
type Updated struct {
	EventHeader
	Metadata models.PeerMetadata
	Address  string
}

// Reconnected is emitted when a stale or lost peer advertises again.
type Reconnected struct {
	EventHeader
	Metadata models.PeerMetadata
	Address  string
}

// Left is emitted when a stale peer exceeds the lost timeout.
type Left struct {
	EventHeader
}

func (e Joined) Accept(v PeerEventVisitor)      { v.VisitJoined(e) }
func (e Updated) Accept(v PeerEventVisitor)     { v.VisitUpdated(e) }
func (e Reconnected) Accept(v PeerEventVisitor) { v.VisitReconnected(e) }
func (e Left) Accept(v PeerEventVisitor)        { v.VisitLeft(e) }

func newHeader(peerID string, source Source, at time.Time) EventHeader {
	return EventHeader{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Timestamp: at,
		Source:    source,
	}
}

// KindOf returns a stable name for an event, mainly for logs and tests.
func KindOf(event PeerEvent) string {
	var k kindVisitor
	event.Accept(&k)
	return k.kind
}

type kindVisitor struct {
	kind string
}

func (k *kindVisitor) VisitJoined(Joined)           { k.kind = "Joined" }
func (k *kindVisitor) VisitUpdated(Updated)         { k.kind = "Updated" }
func (k *kindVisitor) VisitReconnected(Reconnected) { k.kind = "Reconnected" }
func (k *kindVisitor) VisitLeft(Left)               { k.kind = "Left" }

package app

import (
	"log/slog"

	"lanchat/models"
	"lanchat/presence"
	"lanchat/storage"
)

// directoryRecorder writes presence transitions to the peer directory.
// Failures are logged; the directory is history, not a source of truth.
type directoryRecorder struct {
	store  *storage.Store
	logger *slog.Logger
}

var _ presence.PeerEventVisitor = (*directoryRecorder)(nil)

func (d *directoryRecorder) VisitJoined(e presence.Joined) {
	d.online(e.EventHeader, e.Metadata, e.Address)
}

func (d *directoryRecorder) VisitUpdated(e presence.Updated) {
	d.online(e.EventHeader, e.Metadata, e.Address)
}

func (d *directoryRecorder) VisitReconnected(e presence.Reconnected) {
	d.online(e.EventHeader, e.Metadata, e.Address)
}

func (d *directoryRecorder) VisitLeft(e presence.Left) {
	if err := d.store.MarkOffline(e.PeerID, e.Timestamp); err != nil {
		d.logger.Warn("peer directory not updated", "peer_id", e.PeerID, "error", err)
	}
}

func (d *directoryRecorder) online(h presence.EventHeader, meta models.PeerMetadata, address string) {
	err := d.store.UpsertOnline(storage.Sighting{
		PeerID:      h.PeerID,
		DisplayName: meta.DisplayName,
		Address:     address,
		Version:     meta.Version,
		Platform:    meta.Platform,
		At:          h.Timestamp,
	})
	if err != nil {
		d.logger.Warn("peer directory not updated", "peer_id", h.PeerID, "error", err)
	}
}

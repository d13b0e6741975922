package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"lanchat/models"
	"lanchat/util"
)

const (
	// DefaultMaxTombstones bounds how many removed peers are remembered for
	// reconnection detection.
	DefaultMaxTombstones = 1024
	defaultEventBuffer   = 64
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Now           func() time.Time
	Logger        *slog.Logger
	MaxTombstones int
	EventBuffer   int
}

// Registry is the single owner of remote peer state. Every mutation happens
// under one lock and every observable change pushes exactly one event, in
// mutation order, to the event queue.
type Registry struct {
	now    func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	peers      map[string]models.PeerRecord
	tombstones map[string]models.PeerRecord
	lostOrder  []string
	maxLost    int

	events *util.Queue[PeerEvent]
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTombstones <= 0 {
		opts.MaxTombstones = DefaultMaxTombstones
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	return &Registry{
		now:        opts.Now,
		logger:     opts.Logger.With("component", "registry"),
		peers:      make(map[string]models.PeerRecord),
		tombstones: make(map[string]models.PeerRecord),
		maxLost:    opts.MaxTombstones,
		events:     util.NewQueue[PeerEvent](opts.EventBuffer),
	}
}

// Events delivers presence events in the order mutations were applied. The
// channel is closed by Close.
func (r *Registry) Events() <-chan PeerEvent {
	return r.events.C()
}

// Close stops event delivery. Mutations after Close still apply but their
// events are discarded.
func (r *Registry) Close() {
	r.events.Close()
}

// RecordSeen applies a discovery broadcast. It returns the emitted event, or
// nil when the broadcast only refreshed last_seen.
func (r *Registry) RecordSeen(peerID string, metadata models.PeerMetadata, address string) PeerEvent {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record, exists := r.peers[peerID]
	switch {
	case exists && record.Liveness == models.LivenessActive:
		return r.refreshLocked(record, metadata, address, now)
	case exists, r.isTombstonedLocked(peerID):
		return r.reconnectLocked(peerID, metadata, address, now)
	}

	r.peers[peerID] = models.PeerRecord{
		PeerID:   peerID,
		Metadata: metadata,
		Liveness: models.LivenessActive,
		LastSeen: now,
		Address:  address,
	}
	r.logger.Debug("peer joined", "peer_id", peerID, "name", metadata.DisplayName, "address", address)
	return r.emitLocked(Joined{
		EventHeader: newHeader(peerID, SourceDiscovery, now),
		Metadata:    metadata,
		Address:     address,
	})
}

// RecordReconnected applies a broadcast from a peer known to have decayed.
// Stale, removed and unknown peers become Active with a Reconnected event; an
// Active peer is treated as an ordinary broadcast.
func (r *Registry) RecordReconnected(peerID string, metadata models.PeerMetadata, address string) PeerEvent {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if record, exists := r.peers[peerID]; exists && record.Liveness == models.LivenessActive {
		return r.refreshLocked(record, metadata, address, now)
	}
	return r.reconnectLocked(peerID, metadata, address, now)
}

// MarkStale demotes an Active peer whose last broadcast is older than cutoff.
// It reports whether the peer was demoted. No event is emitted.
func (r *Registry) MarkStale(peerID string, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.peers[peerID]
	if !exists || record.Liveness != models.LivenessActive || !record.LastSeen.Before(cutoff) {
		return false
	}
	record.Liveness = models.LivenessStale
	r.peers[peerID] = record
	r.logger.Debug("peer stale", "peer_id", peerID, "last_seen", record.LastSeen)
	return true
}

// MarkLost removes a Stale peer whose last broadcast is older than cutoff and
// emits Left. A broadcast that arrived after the caller sampled the record
// wins: the peer is then Active again and nothing happens.
func (r *Registry) MarkLost(peerID string, cutoff time.Time) PeerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.peers[peerID]
	if !exists || record.Liveness != models.LivenessStale || !record.LastSeen.Before(cutoff) {
		return nil
	}

	now := r.now()
	delete(r.peers, peerID)
	record.Liveness = models.LivenessLost
	r.addTombstoneLocked(record)
	r.logger.Info("peer left", "peer_id", peerID, "name", record.Metadata.DisplayName)
	return r.emitLocked(Left{EventHeader: newHeader(peerID, SourceHealth, now)})
}

// Snapshot returns a copy of every live record ordered by display name, then
// peer ID.
func (r *Registry) Snapshot() []models.PeerRecord {
	r.mu.RLock()
	out := make([]models.PeerRecord, 0, len(r.peers))
	for _, record := range r.peers {
		out = append(out, record)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.DisplayName == out[j].Metadata.DisplayName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Metadata.DisplayName < out[j].Metadata.DisplayName
	})
	return out
}

// Get returns a copy of one record. A removed peer that is still remembered
// comes back with its last metadata and LivenessLost.
func (r *Registry) Get(peerID string) (models.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if record, ok := r.peers[peerID]; ok {
		return record, true
	}
	record, ok := r.tombstones[peerID]
	return record, ok
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) refreshLocked(record models.PeerRecord, metadata models.PeerMetadata, address string, now time.Time) PeerEvent {
	changed := record.Metadata != metadata || record.Address != address
	record.LastSeen = now
	record.Metadata = metadata
	record.Address = address
	r.peers[record.PeerID] = record
	if !changed {
		return nil
	}

	r.logger.Debug("peer updated", "peer_id", record.PeerID, "name", metadata.DisplayName, "address", address)
	return r.emitLocked(Updated{
		EventHeader: newHeader(record.PeerID, SourceDiscovery, now),
		Metadata:    metadata,
		Address:     address,
	})
}

func (r *Registry) reconnectLocked(peerID string, metadata models.PeerMetadata, address string, now time.Time) PeerEvent {
	r.removeTombstoneLocked(peerID)
	r.peers[peerID] = models.PeerRecord{
		PeerID:   peerID,
		Metadata: metadata,
		Liveness: models.LivenessActive,
		LastSeen: now,
		Address:  address,
	}
	r.logger.Info("peer reconnected", "peer_id", peerID, "name", metadata.DisplayName, "address", address)
	return r.emitLocked(Reconnected{
		EventHeader: newHeader(peerID, SourceDiscovery, now),
		Metadata:    metadata,
		Address:     address,
	})
}

func (r *Registry) emitLocked(event PeerEvent) PeerEvent {
	r.events.Push(event)
	return event
}

func (r *Registry) isTombstonedLocked(peerID string) bool {
	_, ok := r.tombstones[peerID]
	return ok
}

func (r *Registry) addTombstoneLocked(record models.PeerRecord) {
	if _, exists := r.tombstones[record.PeerID]; !exists {
		r.lostOrder = append(r.lostOrder, record.PeerID)
	}
	r.tombstones[record.PeerID] = record

	for len(r.lostOrder) > r.maxLost {
		oldest := r.lostOrder[0]
		r.lostOrder = r.lostOrder[1:]
		delete(r.tombstones, oldest)
	}
}

func (r *Registry) removeTombstoneLocked(peerID string) {
	if _, exists := r.tombstones[peerID]; !exists {
		return
	}
	delete(r.tombstones, peerID)
	for i, id := range r.lostOrder {
		if id == peerID {
			r.lostOrder = append(r.lostOrder[:i], r.lostOrder[i+1:]...)
			break
		}
	}
}

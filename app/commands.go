package app

import (
	"context"
	"fmt"
	"strings"

	"lanchat/config"
	"lanchat/models"
	"lanchat/storage"
)

// Identity returns the local identity.
func (r *Runtime) Identity() config.Identity {
	return r.identity.Current()
}

// GetCurrentPeers lists every peer the registry holds, Stale ones included,
// ordered by display name then id.
func (r *Runtime) GetCurrentPeers() []models.PeerInfo {
	records := r.registry.Snapshot()
	out := make([]models.PeerInfo, 0, len(records))
	for _, record := range records {
		out = append(out, record.Info())
	}
	return out
}

// Rename changes the local display name. Discovery re-advertises on success.
func (r *Runtime) Rename(name string) error {
	return r.identity.Rename(name)
}

// StartServer binds the transport listener if it is not already running.
func (r *Runtime) StartServer() error {
	return r.transport.StartServer()
}

// IsServerRunning reports whether the transport listener is bound.
func (r *Runtime) IsServerRunning() bool {
	return r.transport.Running()
}

// ServerAddress returns the bound listener address, or "".
func (r *Runtime) ServerAddress() string {
	return r.transport.Addr()
}

// Connect opens or reuses a transport connection to addr.
func (r *Runtime) Connect(ctx context.Context, addr string) error {
	return r.transport.Connect(ctx, addr)
}

// ConnectPeer connects to the address a peer advertised and returns it.
// Peers that have left are not dialled.
func (r *Runtime) ConnectPeer(ctx context.Context, peerID string) (string, error) {
	record, ok := r.registry.Get(strings.TrimSpace(peerID))
	if !ok || record.Liveness == models.LivenessLost || record.Address == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err := r.transport.Connect(ctx, record.Address); err != nil {
		return "", err
	}
	return record.Address, nil
}

// SendMessage sends text over the live connection for addr. It never dials.
func (r *Runtime) SendMessage(ctx context.Context, addr, text string) error {
	return r.transport.SendMessage(ctx, addr, text)
}

// Disconnect closes the connection for addr.
func (r *Runtime) Disconnect(addr string) error {
	return r.transport.Disconnect(addr)
}

// Connections lists addresses with a live connection.
func (r *Runtime) Connections() []string {
	return r.transport.Connections()
}

// RefreshPeers runs an immediate discovery scan.
func (r *Runtime) RefreshPeers(ctx context.Context) error {
	svc := r.currentDiscovery()
	if svc == nil {
		return ErrNotRunning
	}
	return svc.Refresh(ctx)
}

// KnownPeers lists the peer directory.
func (r *Runtime) KnownPeers() ([]storage.KnownPeer, error) {
	return r.store.ListPeers()
}

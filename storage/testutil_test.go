package storage

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsert(t *testing.T, store *Store, peerID, name, address string, at time.Time) {
	t.Helper()

	err := store.UpsertOnline(Sighting{
		PeerID:      peerID,
		DisplayName: name,
		Address:     address,
		Version:     1,
		Platform:    "linux",
		At:          at,
	})
	if err != nil {
		t.Fatalf("upsert peer %q: %v", peerID, err)
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrGenerateIdentityCreatesAndReloads(t *testing.T) {
	path := IdentityPath(t.TempDir())

	first, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("first LoadOrGenerateIdentity failed: %v", err)
	}
	if first.PeerID() == "" {
		t.Fatalf("expected non-empty peer ID")
	}
	if first.DisplayName() == "" {
		t.Fatalf("expected default display name")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("identity file not persisted: %v", err)
	}

	second, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("second LoadOrGenerateIdentity failed: %v", err)
	}
	if second.PeerID() != first.PeerID() {
		t.Fatalf("expected stable peer ID, got %q then %q", first.PeerID(), second.PeerID())
	}
}

func TestLoadOrGenerateIdentityRecoversFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt identity: %v", err)
	}

	store, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity failed: %v", err)
	}
	if store.PeerID() == "" {
		t.Fatalf("expected regenerated peer ID")
	}

	reloaded, err := loadIdentity(path)
	if err != nil {
		t.Fatalf("expected regenerated identity to be persisted, got %v", err)
	}
	if reloaded.PeerID != store.PeerID() {
		t.Fatalf("persisted peer ID %q does not match store %q", reloaded.PeerID, store.PeerID())
	}
}

func TestLoadIdentityRejectsNonUUIDPeerID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte(`{"peer_id":"not-a-uuid","display_name":"x"}`), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}

	if _, err := loadIdentity(path); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}

	store, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity failed: %v", err)
	}
	if store.PeerID() == "not-a-uuid" {
		t.Fatalf("expected invalid peer ID to be replaced")
	}
}

func TestLoadOrGenerateIdentityKeepsPeerIDWhenNameMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	const peerID = "0b8c3bb4-5d8e-4a53-9f0c-6a1f7f1b2c3d"
	if err := saveIdentity(path, Identity{PeerID: peerID, DisplayName: "   "}); err != nil {
		t.Fatalf("saveIdentity failed: %v", err)
	}

	store, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity failed: %v", err)
	}
	if store.PeerID() != peerID {
		t.Fatalf("expected peer ID to survive, got %q", store.PeerID())
	}
	if strings.TrimSpace(store.DisplayName()) == "" {
		t.Fatalf("expected default display name to be filled in")
	}
}

func TestRenameSignalsReadvertiseOnce(t *testing.T) {
	store := newTestIdentityStore(t, "Alice")

	if err := store.Rename("  Alice  "); err != nil {
		t.Fatalf("no-op Rename failed: %v", err)
	}
	assertNoSignal(t, store)

	if err := store.Rename("Bob"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := store.Rename("Carol"); err != nil {
		t.Fatalf("second Rename failed: %v", err)
	}
	if store.DisplayName() != "Carol" {
		t.Fatalf("expected display name Carol, got %q", store.DisplayName())
	}

	select {
	case <-store.Readvertise():
	default:
		t.Fatalf("expected a pending readvertise signal")
	}
	assertNoSignal(t, store)

	persisted, err := loadIdentity(store.path)
	if err != nil {
		t.Fatalf("loadIdentity failed: %v", err)
	}
	if persisted.DisplayName != "Carol" {
		t.Fatalf("expected persisted name Carol, got %q", persisted.DisplayName)
	}
}

func TestRenameRejectsEmptyAndOversizedNames(t *testing.T) {
	store := newTestIdentityStore(t, "Alice")

	for _, name := range []string{"", "   ", "\t\n", strings.Repeat("x", MaxDisplayNameLength+1)} {
		if err := store.Rename(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Rename(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
	if store.DisplayName() != "Alice" {
		t.Fatalf("expected name to stay Alice, got %q", store.DisplayName())
	}
	assertNoSignal(t, store)
}

func newTestIdentityStore(t *testing.T, name string) *IdentityStore {
	t.Helper()

	path := IdentityPath(t.TempDir())
	if err := saveIdentity(path, Identity{PeerID: "6f1d2c3b-4a59-4e6f-8a7b-9c0d1e2f3a4b", DisplayName: name}); err != nil {
		t.Fatalf("saveIdentity failed: %v", err)
	}
	store, err := LoadOrGenerateIdentity(path, nil)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity failed: %v", err)
	}
	return store
}

func assertNoSignal(t *testing.T, store *IdentityStore) {
	t.Helper()
	select {
	case <-store.Readvertise():
		t.Fatalf("unexpected readvertise signal")
	default:
	}
}

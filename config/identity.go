package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MaxDisplayNameLength bounds a display name so it fits one DNS-SD TXT value.
const MaxDisplayNameLength = 63

var (
	// ErrInvalidName indicates a rename was rejected before any mutation.
	ErrInvalidName = errors.New("config: invalid display name")
	// ErrInvalidIdentity indicates the persisted identity could not be used.
	ErrInvalidIdentity = errors.New("config: invalid persisted identity")
)

// Identity is the local participant as persisted in identity.json.
type Identity struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

// IdentityStore owns the local identity. Reads are frequent and writes are
// limited to Rename, so access goes through a read-mostly lock.
type IdentityStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Identity

	// writeMu serializes Rename so persist-then-swap is atomic for callers.
	writeMu sync.Mutex

	readvertise chan struct{}
}

// LoadOrGenerateIdentity reads identity.json at path, regenerating and
// persisting a fresh identity when the file is missing or unusable. Only an
// empty path is reported as an error; persistence failures are logged because
// an in-memory identity is still sufficient to run.
func LoadOrGenerateIdentity(path string, logger *slog.Logger) (*IdentityStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity")

	store := &IdentityStore{
		path:        path,
		logger:      logger,
		readvertise: make(chan struct{}, 1),
	}

	identity, err := loadIdentity(path)
	switch {
	case err == nil:
		if normalizeIdentity(&identity) {
			store.persistOrWarn(identity)
		}
	case errors.Is(err, fs.ErrNotExist):
		identity = generateIdentity()
		logger.Info("generated new identity", "peer_id", identity.PeerID, "path", path)
		store.persistOrWarn(identity)
	default:
		logger.Warn("discarding persisted identity", "path", path, "error", err)
		identity = generateIdentity()
		store.persistOrWarn(identity)
	}

	store.current = identity
	return store, nil
}

// Current returns a copy of the local identity.
func (s *IdentityStore) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// PeerID returns the stable local identifier.
func (s *IdentityStore) PeerID() string {
	return s.Current().PeerID
}

// DisplayName returns the current local display name.
func (s *IdentityStore) DisplayName() string {
	return s.Current().DisplayName
}

// Readvertise delivers one signal per successful rename. The channel holds at
// most one pending signal, so bursts of renames collapse into a single
// advertisement that carries the latest name.
func (s *IdentityStore) Readvertise() <-chan struct{} {
	return s.readvertise
}

// Rename validates, persists and applies a new display name.
func (s *IdentityStore) Rename(newName string) error {
	name := strings.TrimSpace(newName)
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > MaxDisplayNameLength {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidName, MaxDisplayNameLength)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.Current()
	if current.DisplayName == name {
		return nil
	}

	next := current
	next.DisplayName = name
	if err := saveIdentity(s.path, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.logger.Info("display name changed", "from", current.DisplayName, "to", name)
	s.signalReadvertise()
	return nil
}

func (s *IdentityStore) signalReadvertise() {
	select {
	case s.readvertise <- struct{}{}:
	default:
	}
}

func (s *IdentityStore) persistOrWarn(identity Identity) {
	if err := saveIdentity(s.path, identity); err != nil {
		s.logger.Warn("identity not persisted", "path", s.path, "error", err)
	}
}

func loadIdentity(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return Identity{}, fmt.Errorf("%w: parse identity: %v", ErrInvalidIdentity, err)
	}
	if _, err := uuid.Parse(identity.PeerID); err != nil {
		return Identity{}, fmt.Errorf("%w: peer_id %q: %v", ErrInvalidIdentity, identity.PeerID, err)
	}

	return identity, nil
}

func saveIdentity(path string, identity Identity) error {
	raw, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	raw = append(raw, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated identity behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace identity: %w", err)
	}

	return nil
}

func generateIdentity() Identity {
	return Identity{
		PeerID:      uuid.NewString(),
		DisplayName: defaultDisplayName(),
	}
}

func normalizeIdentity(identity *Identity) bool {
	updated := false

	trimmed := strings.TrimSpace(identity.DisplayName)
	if len(trimmed) > MaxDisplayNameLength {
		trimmed = ""
	}
	if trimmed == "" {
		trimmed = defaultDisplayName()
	}
	if trimmed != identity.DisplayName {
		identity.DisplayName = trimmed
		updated = true
	}

	return updated
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertOnline records a sighting. A new peer is inserted with first_seen set
// to the sighting time; a known peer gets its metadata, address and last_seen
// replaced and is marked online.
func (s *Store) UpsertOnline(sighting Sighting) error {
	peerID := strings.TrimSpace(sighting.PeerID)
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	name := sighting.DisplayName
	if name == "" {
		name = peerID
	}
	at := sighting.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			display_name,
			address,
			version,
			platform,
			status,
			first_seen,
			last_seen,
			sightings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			address = CASE WHEN excluded.address = '' THEN peers.address ELSE excluded.address END,
			version = excluded.version,
			platform = excluded.platform,
			status = excluded.status,
			last_seen = MAX(peers.last_seen, excluded.last_seen),
			sightings = peers.sightings + 1`,
		peerID,
		name,
		sighting.Address,
		sighting.Version,
		sighting.Platform,
		StatusOnline,
		at.UnixMilli(),
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peerID, err)
	}
	return nil
}

// MarkOffline flips a known peer to offline. Unknown peers return ErrNotFound.
func (s *Store) MarkOffline(peerID string, at time.Time) error {
	return s.updateStatus(peerID, StatusOffline, at)
}

func (s *Store) updateStatus(peerID, status string, at time.Time) error {
	if err := validateStatus(status); err != nil {
		return err
	}

	result, err := s.db.Exec(
		`UPDATE peers SET status = ?, last_seen = MAX(last_seen, ?) WHERE peer_id = ?`,
		status,
		at.UnixMilli(),
		peerID,
	)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", peerID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update result for %q: %w", peerID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPeer fetches one directory entry by peer id.
func (s *Store) GetPeer(peerID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT `+peerColumns+`
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return &peer, nil
}

// ListPeers returns every known peer ordered by display name then id.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT ` + peerColumns + `
		FROM peers
		ORDER BY display_name COLLATE NOCASE, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// MarkAllOffline flips every online row to offline. The runtime calls it at
// startup since no peer is live before discovery has run.
func (s *Store) MarkAllOffline() (int64, error) {
	result, err := s.db.Exec(`UPDATE peers SET status = ? WHERE status = ?`, StatusOffline, StatusOnline)
	if err != nil {
		return 0, fmt.Errorf("reset peer status: %w", err)
	}
	return result.RowsAffected()
}

const peerColumns = `
			peer_id,
			display_name,
			address,
			version,
			platform,
			status,
			first_seen,
			last_seen,
			sightings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(scanner rowScanner) (KnownPeer, error) {
	var (
		peer      KnownPeer
		firstSeen int64
		lastSeen  int64
	)
	if err := scanner.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.Address,
		&peer.Version,
		&peer.Platform,
		&peer.Status,
		&firstSeen,
		&lastSeen,
		&peer.Sightings,
	); err != nil {
		return KnownPeer{}, err
	}
	peer.FirstSeen = time.UnixMilli(firstSeen)
	peer.LastSeen = time.UnixMilli(lastSeen)
	return peer, nil
}

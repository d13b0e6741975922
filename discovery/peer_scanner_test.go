package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"lanchat/config"
	"lanchat/models"
	"lanchat/presence"
)

type staticIdentity struct {
	mu       sync.Mutex
	identity config.Identity
}

func (s *staticIdentity) Current() config.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *staticIdentity) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.DisplayName = name
}

type seenCall struct {
	peerID   string
	metadata models.PeerMetadata
	address  string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []seenCall
}

func (s *recordingSink) RecordSeen(peerID string, metadata models.PeerMetadata, address string) presence.PeerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, seenCall{peerID: peerID, metadata: metadata, address: address})
	return nil
}

func (s *recordingSink) peerIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, call := range s.calls {
		out[call.peerID]++
	}
	return out
}

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	sink := &recordingSink{}
	cfg := Config{
		Identity:     &staticIdentity{identity: config.Identity{PeerID: "self-peer", DisplayName: "Self"}},
		Sink:         sink,
		ScanInterval: time.Hour,
		ScanTimeout:  35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-peer", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		ids := sink.peerIDs()
		return len(ids) == 1 && ids["peer-1"] == 1
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	ids := sink.peerIDs()
	if ids["peer-2"] != 1 || ids["self-peer"] != 0 {
		t.Fatalf("unexpected sink calls after refresh: %v", ids)
	}
}

func TestPeerScannerForwardsMetadataAndAddress(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{
		Identity:     &staticIdentity{identity: config.Identity{PeerID: "self-peer"}},
		Sink:         sink,
		ScanInterval: time.Hour,
		ScanTimeout:  25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	_ = scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return len(sink.peerIDs()) == 1 })

	sink.mu.Lock()
	call := sink.calls[0]
	sink.mu.Unlock()

	if call.address != "10.0.0.2:9998" {
		t.Fatalf("unexpected address: %q", call.address)
	}
	if call.metadata.DisplayName != "Bob" || call.metadata.Version != 1 || call.metadata.Platform != "linux" {
		t.Fatalf("unexpected metadata: %+v", call.metadata)
	}
}

func TestPeerScannerCountsRejectedAdvertisements(t *testing.T) {
	sink := &recordingSink{}
	foreign := testServiceEntry("peer-x", "Other", 9000, "10.0.0.9")
	foreign.Text = []string{"app=otherapp", "v=1", "id=peer-x"}
	noAddress := testServiceEntry("peer-y", "NoAddr", 9001, "10.0.0.8")
	noAddress.AddrIPv4 = nil

	cfg := Config{
		Identity:     &staticIdentity{identity: config.Identity{PeerID: "self-peer"}},
		Sink:         sink,
		ScanInterval: time.Hour,
		ScanTimeout:  25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- foreign
			entries <- noAddress
			entries <- nil
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	_ = scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return scanner.Stats().Scans >= 1 })

	stats := scanner.Stats()
	if stats.Accepted != 1 || stats.Rejected != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		Identity:     &staticIdentity{identity: config.Identity{PeerID: "self-peer"}},
		Sink:         &recordingSink{},
		ScanInterval: time.Hour,
		ScanTimeout:  20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	_ = scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
}

func TestPeerScannerFeedsRegistryWithoutDuplicateJoins(t *testing.T) {
	registry := presence.NewRegistry(presence.RegistryOptions{})
	defer registry.Close()

	cfg := Config{
		Identity:     &staticIdentity{identity: config.Identity{PeerID: "self-peer"}},
		Sink:         registry,
		ScanInterval: 10 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	_ = scanner.Start()

	waitForCondition(t, time.Second, func() bool { return scanner.Stats().Scans >= 4 })
	scanner.Stop()

	kinds := make([]string, 0)
	for {
		select {
		case event := <-registry.Events():
			kinds = append(kinds, presence.KindOf(event))
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if len(kinds) != 1 || kinds[0] != "Joined" {
		t.Fatalf("expected a single Joined, got %v", kinds)
	}
}

func TestNewPeerScannerRequiresSink(t *testing.T) {
	_, err := NewPeerScanner(Config{Identity: &staticIdentity{}})
	if err == nil {
		t.Fatalf("expected error without sink")
	}
}

func testServiceEntry(peerID, name string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: peerID,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: name + ".local",
		Port:     port,
		Text: Advertisement{
			PeerID:      peerID,
			DisplayName: name,
			Version:     DefaultVersion,
			Platform:    "linux",
		}.TXT(),
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestPeerScannerRefreshRequiresRunningScanner(t *testing.T) {
	scanner, err := NewPeerScanner(Config{
		Identity: &staticIdentity{identity: config.Identity{PeerID: "self-peer"}},
		Sink:     &recordingSink{},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped before Start, got %v", err)
	}

	_ = scanner.Start()
	scanner.Stop()
	if err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped after Stop, got %v", err)
	}
}

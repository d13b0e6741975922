package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"lanchat/config"
)

type fakeRegistration struct {
	mu       sync.Mutex
	texts    [][]string
	shutdown bool
}

func (f *fakeRegistration) SetText(text []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, append([]string(nil), text...))
}

func (f *fakeRegistration) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeRegistration) lastText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return nil
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeRegistration) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Identity:         &staticIdentity{identity: config.Identity{PeerID: "peer-123", DisplayName: "Alice Laptop"}},
		ListeningPort:    9999,
		Platform:         "linux",
		AdvertiseAddress: "192.168.1.20:9999",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return &fakeRegistration{}, nil
		},
	}

	advertiser, err := NewAdvertiser(cfg)
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	if err := advertiser.Announce(); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if gotInstance != "peer-123" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service/domain: %q %q", gotService, gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "app=lanchat")
	assertContainsTXT(t, gotTXT, "v=1")
	assertContainsTXT(t, gotTXT, "id=peer-123")
	assertContainsTXT(t, gotTXT, "name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "platform=linux")
	assertContainsTXT(t, gotTXT, "addr=192.168.1.20:9999")
}

func TestAdvertiserRetriesFailedRegistration(t *testing.T) {
	attempts := 0
	reg := &fakeRegistration{}
	cfg := Config{
		Identity:      &staticIdentity{identity: config.Identity{PeerID: "peer-123", DisplayName: "Alice"}},
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("no multicast interface")
			}
			return reg, nil
		},
	}

	advertiser, err := NewAdvertiser(cfg)
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}

	if err := advertiser.Announce(); !errors.Is(err, ErrAdvertise) {
		t.Fatalf("expected ErrAdvertise, got %v", err)
	}
	if err := advertiser.Announce(); err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}
	if err := advertiser.Announce(); err != nil {
		t.Fatalf("third Announce failed: %v", err)
	}

	if attempts != 2 {
		t.Fatalf("expected registration to stop after success, attempts=%d", attempts)
	}
	if reg.updates() != 1 {
		t.Fatalf("expected one SetText after registration, got %d", reg.updates())
	}
	if advertiser.Announcements() != 2 {
		t.Fatalf("unexpected announcement count: %d", advertiser.Announcements())
	}
}

func TestAdvertiserReadvertisesCurrentNameOnSignal(t *testing.T) {
	identity := &staticIdentity{identity: config.Identity{PeerID: "peer-123", DisplayName: "Alice"}}
	readvertise := make(chan struct{}, 1)
	reg := &fakeRegistration{}

	cfg := Config{
		Identity:          identity,
		Readvertise:       readvertise,
		ListeningPort:     9999,
		AdvertiseInterval: time.Hour,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			return reg, nil
		},
	}

	advertiser, err := NewAdvertiser(cfg)
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	advertiser.Start()

	waitForCondition(t, time.Second, func() bool { return advertiser.Announcements() == 1 })

	identity.setName("Alice Renamed")
	readvertise <- struct{}{}

	waitForCondition(t, time.Second, func() bool { return reg.updates() == 1 })
	assertContainsTXT(t, reg.lastText(), "name=Alice Renamed")

	advertiser.Stop()
	if !reg.shutdown {
		t.Fatalf("expected registration shutdown on stop")
	}
}

func TestAdvertiserCoalescesBurstOfSignals(t *testing.T) {
	store, err := config.LoadOrGenerateIdentity(t.TempDir()+"/identity.json", nil)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity failed: %v", err)
	}
	reg := &fakeRegistration{}

	cfg := Config{
		Identity:          store,
		Readvertise:       store.Readvertise(),
		ListeningPort:     9999,
		AdvertiseInterval: time.Hour,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			return reg, nil
		},
	}

	for _, name := range []string{"one", "two", "three"} {
		if err := store.Rename(name); err != nil {
			t.Fatalf("Rename(%q) failed: %v", name, err)
		}
	}

	advertiser, err := NewAdvertiser(cfg)
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	advertiser.Start()
	defer advertiser.Stop()

	waitForCondition(t, time.Second, func() bool { return reg.updates() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if reg.updates() != 1 {
		t.Fatalf("expected pending renames to coalesce into one announcement, got %d", reg.updates())
	}
	assertContainsTXT(t, reg.lastText(), "name=three")
}

func TestNewAdvertiserValidatesConfig(t *testing.T) {
	if _, err := NewAdvertiser(Config{ListeningPort: 9999}); err == nil {
		t.Fatalf("expected error without identity")
	}
	if _, err := NewAdvertiser(Config{Identity: &staticIdentity{identity: config.Identity{PeerID: "p"}}}); err == nil {
		t.Fatalf("expected error without port")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	reg := &fakeRegistration{}
	cfg := Config{
		Identity:      &staticIdentity{identity: config.Identity{PeerID: "self", DisplayName: "Self"}},
		Sink:          &recordingSink{},
		ListeningPort: 9999,
		ScanTimeout:   10 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			return reg, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Advertiser == nil || svc.Scanner == nil {
		t.Fatalf("expected advertiser and scanner")
	}
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	svc.Stop()
	if !reg.shutdown {
		t.Fatalf("expected registration shutdown")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, entry := range txt {
		if entry == expected {
			return
		}
	}
	t.Fatalf("expected TXT %q in %s", expected, strings.Join(txt, ","))
}

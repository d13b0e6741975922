package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanchat/config"
	"lanchat/models"
	"lanchat/presence"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultAdvertiseInterval is how often the local advertisement is re-announced.
	DefaultAdvertiseInterval = 5 * time.Second
	// DefaultScanInterval is the background peer discovery interval.
	DefaultScanInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
)

// ErrAdvertise indicates the local advertisement could not be published.
var ErrAdvertise = errors.New("discovery: advertise failed")

// IdentitySource supplies the identity to advertise at announcement time.
type IdentitySource interface {
	Current() config.Identity
}

// PeerSink receives every valid advertisement seen on the network.
type PeerSink interface {
	RecordSeen(peerID string, metadata models.PeerMetadata, address string) presence.PeerEvent
}

// registration is the part of a published mDNS service the advertiser drives.
type registration interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertiser and scanner behavior.
type Config struct {
	Service           string
	Domain            string
	Version           int
	AdvertiseInterval time.Duration
	ScanInterval      time.Duration
	ScanTimeout       time.Duration

	// ListeningPort is the transport port published in the SRV record.
	ListeningPort int
	// AdvertiseAddress, when set, is published as addr= and overrides the
	// address peers would derive from the SRV record.
	AdvertiseAddress string
	Platform         string

	Identity    IdentitySource
	Readvertise <-chan struct{}
	Sink        PeerSink
	Logger      *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.AdvertiseInterval <= 0 {
		out.AdvertiseInterval = DefaultAdvertiseInterval
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Platform == "" {
		out.Platform = runtime.GOOS
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.registerFn == nil {
		out.registerFn = registerZeroconf
	}
	if out.browseFn == nil {
		out.browseFn = browseZeroconf
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if c.Identity == nil {
		return errors.New("identity source is required")
	}
	if strings.TrimSpace(c.Identity.Current().PeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return errors.New("listening port must be in 1..65535")
	}
	return nil
}

func (c Config) validateForScan() error {
	if c.Identity == nil {
		return errors.New("identity source is required")
	}
	if c.Sink == nil {
		return errors.New("peer sink is required")
	}
	return nil
}

func registerZeroconf(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

func browseZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Advertiser publishes the local identity and re-announces it on a fixed
// interval and whenever a re-advertise signal arrives.
type Advertiser struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	reg  registration
	sent int

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdvertiser validates config without touching the network.
func NewAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}
	return &Advertiser{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "advertiser"),
	}, nil
}

// Start registers the service and begins periodic announcements. A failed
// registration is retried on every tick.
func (a *Advertiser) Start() {
	a.startOnce.Do(func() {
		a.ctx, a.cancel = context.WithCancel(context.Background())
		a.wg.Add(1)
		go a.loop()
	})
}

// Stop ends announcements and withdraws the registration.
func (a *Advertiser) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.reg != nil {
			a.reg.Shutdown()
			a.reg = nil
		}
	})
}

// Announce publishes the current identity once, registering first if needed.
func (a *Advertiser) Announce() error {
	identity := a.cfg.Identity.Current()
	txt := Advertisement{
		PeerID:      identity.PeerID,
		DisplayName: identity.DisplayName,
		Version:     a.cfg.Version,
		Platform:    a.cfg.Platform,
		Address:     a.cfg.AdvertiseAddress,
	}.TXT()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reg == nil {
		reg, err := a.cfg.registerFn(identity.PeerID, a.cfg.Service, a.cfg.Domain, a.cfg.ListeningPort, txt, nil)
		if err != nil {
			return fmt.Errorf("%w: register %s: %v", ErrAdvertise, a.cfg.Service, err)
		}
		if reg == nil {
			return fmt.Errorf("%w: register returned no server", ErrAdvertise)
		}
		a.reg = reg
		a.logger.Info("service registered", "service", a.cfg.Service, "port", a.cfg.ListeningPort, "name", identity.DisplayName)
	} else {
		a.reg.SetText(txt)
	}
	a.sent++
	return nil
}

// Announcements reports how many announcements have been published.
func (a *Advertiser) Announcements() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func (a *Advertiser) loop() {
	defer a.wg.Done()

	a.announceOrWarn("startup")

	ticker := time.NewTicker(a.cfg.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.announceOrWarn("interval")
		case _, ok := <-a.cfg.Readvertise:
			if !ok {
				a.cfg.Readvertise = nil
				continue
			}
			a.announceOrWarn("identity changed")
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Advertiser) announceOrWarn(reason string) {
	if err := a.Announce(); err != nil {
		a.logger.Warn("announce failed", "reason", reason, "error", err)
		return
	}
	a.logger.Debug("announced", "reason", reason)
}

// Service coordinates mDNS advertisement and scanning.
type Service struct {
	Advertiser *Advertiser
	Scanner    *PeerScanner
}

// Start starts the advertiser and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := NewAdvertiser(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		return nil, err
	}

	advertiser.Start()
	if err := scanner.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{
		Advertiser: advertiser,
		Scanner:    scanner,
	}, nil
}

// Refresh runs an immediate scan.
func (s *Service) Refresh(ctx context.Context) error {
	if s == nil || s.Scanner == nil {
		return ErrScannerStopped
	}
	return s.Scanner.Refresh(ctx)
}

// Stop stops scanner and advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}

// Package app wires identity, presence, discovery, transport and the peer
// directory into one runtime and exposes the command surface a shell drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lanchat/config"
	"lanchat/discovery"
	"lanchat/network"
	"lanchat/presence"
	"lanchat/storage"
	"lanchat/util"
)

const defaultShellBuffer = 128

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("app: runtime already running")
	// ErrNotRunning is returned by commands that need discovery before Run.
	ErrNotRunning = errors.New("app: runtime not running")
	// ErrUnknownPeer is returned when a peer id is not in the registry.
	ErrUnknownPeer = errors.New("app: unknown peer")
)

// DiscoveryService is the part of the mDNS service the runtime drives.
type DiscoveryService interface {
	Refresh(ctx context.Context) error
	Stop()
}

type discoveryStarter func(cfg discovery.Config) (DiscoveryService, error)

// Options configures a Runtime.
type Options struct {
	// DataDir holds identity.json, settings and the peer directory. Empty
	// resolves the OS default.
	DataDir  string
	Settings config.Settings
	Logger   *slog.Logger
	// DisplayName, when set, renames the local identity before start.
	DisplayName string
	Now         func() time.Time

	startDiscovery discoveryStarter
}

// Runtime owns every long-lived component of a node.
type Runtime struct {
	opts    Options
	logger  *slog.Logger
	dataDir string

	identity  *config.IdentityStore
	store     *storage.Store
	registry  *presence.Registry
	health    *presence.HealthMonitor
	transport *network.Manager
	recorder  *directoryRecorder

	events *util.Queue[ShellEvent]

	mu         sync.Mutex
	discovery  DiscoveryService
	stopRun    context.CancelFunc
	forwarding chan struct{}
	closed     bool

	running   atomic.Bool
	closeOnce sync.Once
}

// New loads the identity and opens the peer directory. Nothing touches the
// network until Run.
func New(options Options) (*Runtime, error) {
	opts := options
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.startDiscovery == nil {
		opts.startDiscovery = startMDNS
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	identity, err := config.LoadOrGenerateIdentity(config.IdentityPath(dataDir), opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.DisplayName != "" {
		if err := identity.Rename(opts.DisplayName); err != nil {
			return nil, err
		}
	}

	store, _, err := storage.Open(config.DatabaseDir(dataDir), storage.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	registry := presence.NewRegistry(presence.RegistryOptions{
		Now:    opts.Now,
		Logger: opts.Logger,
	})
	health, err := presence.NewHealthMonitor(registry, presence.HealthOptions{
		Interval:   opts.Settings.Health.CheckInterval.Duration,
		StaleAfter: opts.Settings.Health.StaleAfter.Duration,
		LostAfter:  opts.Settings.Health.LostAfter.Duration,
		Now:        opts.Now,
		Logger:     opts.Logger,
	})
	if err != nil {
		registry.Close()
		_ = store.Close()
		return nil, err
	}

	tuning := opts.Settings.Transport
	transport := network.NewManager(network.ManagerOptions{
		ListenAddress:    opts.Settings.ListenAddress(),
		DialTimeout:      tuning.DialTimeout.Duration,
		WriteTimeout:     tuning.WriteTimeout.Duration,
		PongWait:         tuning.PongWait.Duration,
		PingPeriod:       tuning.PingPeriod.Duration,
		MaxMessageSize:   tuning.MaxMessageBytes,
		SendQueueSize:    tuning.SendQueueSize,
		InboundPerSecond: tuning.InboundPerSecond,
		InboundBurst:     tuning.InboundBurst,
		AcceptPerSecond:  tuning.AcceptPerSecond,
		AcceptBurst:      tuning.AcceptBurst,
		Logger:           opts.Logger,
	})

	logger := opts.Logger.With("component", "runtime")
	return &Runtime{
		opts:      opts,
		logger:    logger,
		dataDir:   dataDir,
		identity:  identity,
		store:     store,
		registry:  registry,
		health:    health,
		transport: transport,
		recorder:  &directoryRecorder{store: store, logger: logger},
		events:    util.NewQueue[ShellEvent](defaultShellBuffer),
	}, nil
}

// Events delivers translated presence and transport events in arrival order.
// The channel is closed when Run returns or Close is called.
func (r *Runtime) Events() <-chan ShellEvent {
	return r.events.C()
}

// DataDir returns the resolved data directory.
func (r *Runtime) DataDir() string {
	return r.dataDir
}

// Run starts the transport server, discovery and the health monitor, then
// forwards events until ctx is cancelled. Everything is released before it
// returns.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if n, err := r.store.MarkAllOffline(); err != nil {
		r.logger.Warn("peer directory status not reset", "error", err)
	} else if n > 0 {
		r.logger.Debug("peer directory status reset", "peers", n)
	}

	if err := r.transport.StartServer(); err != nil {
		r.Close()
		return err
	}

	port, err := listeningPort(r.transport.Addr())
	if err != nil {
		r.Close()
		return err
	}

	svc, err := r.opts.startDiscovery(discovery.Config{
		Service:           r.opts.Settings.Discovery.Service,
		Domain:            r.opts.Settings.Discovery.Domain,
		AdvertiseInterval: r.opts.Settings.Discovery.AdvertiseInterval.Duration,
		ScanInterval:      r.opts.Settings.Discovery.ScanInterval.Duration,
		ScanTimeout:       r.opts.Settings.Discovery.ScanTimeout.Duration,
		ListeningPort:     port,
		Identity:          r.identity,
		Readvertise:       r.identity.Readvertise(),
		Sink:              r.registry,
		Logger:            r.opts.Logger,
	})
	if err != nil {
		r.Close()
		return fmt.Errorf("start discovery: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	forwarding := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		svc.Stop()
		return ErrNotRunning
	}
	r.discovery = svc
	r.stopRun = cancel
	r.forwarding = forwarding
	r.health.Start()
	r.mu.Unlock()

	r.logger.Info("runtime started",
		"peer_id", r.identity.PeerID(),
		"name", r.identity.DisplayName(),
		"addr", r.transport.Addr(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.forwardPresence()
		return nil
	})
	g.Go(func() error {
		r.forwardTransport()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.stopProducers()
		return nil
	})

	err = g.Wait()
	close(forwarding)
	r.Close()
	r.logger.Info("runtime stopped")
	return err
}

// Close releases every component. It is safe to call without Run and more
// than once. While Run is forwarding, Close ends it and waits for the
// forwarders before the peer directory is closed.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		stopRun, forwarding := r.stopRun, r.forwarding
		r.mu.Unlock()

		if stopRun != nil {
			stopRun()
		}
		r.stopProducers()
		if forwarding != nil {
			<-forwarding
		}
		r.events.Close()
		if err := r.store.Close(); err != nil {
			r.logger.Warn("peer directory close failed", "error", err)
		}
	})
}

// stopProducers stops every source of events. Closing the registry and the
// transport closes the channels the forwarders range over.
func (r *Runtime) stopProducers() {
	r.mu.Lock()
	svc := r.discovery
	r.discovery = nil
	r.mu.Unlock()

	if svc != nil {
		svc.Stop()
	}
	r.health.Stop()
	if err := r.transport.Close(); err != nil {
		r.logger.Warn("transport close failed", "error", err)
	}
	r.registry.Close()
}

func (r *Runtime) forwardPresence() {
	for event := range r.registry.Events() {
		event.Accept(r.recorder)
		r.events.Push(PeerShellEvent(event))
	}
}

func (r *Runtime) forwardTransport() {
	for event := range r.transport.Events() {
		r.events.Push(WsShellEvent(event))
	}
}

func (r *Runtime) currentDiscovery() DiscoveryService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovery
}

func startMDNS(cfg discovery.Config) (DiscoveryService, error) {
	svc, err := discovery.Start(cfg)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func listeningPort(addr string) (int, error) {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse server address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0, fmt.Errorf("parse server port %q: %w", portText, err)
	}
	return port, nil
}

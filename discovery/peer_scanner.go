package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrScannerStopped is returned by Refresh before Start or after Stop.
var ErrScannerStopped = errors.New("discovery: scanner not running")

// ScanStats counts scanner activity since start.
type ScanStats struct {
	Scans    int
	Accepted int
	Rejected int
	LastScan time.Time
}

type scanResult struct {
	ads      map[string]Advertisement
	rejected int
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations
// and forwards every valid advertisement to the peer sink.
type PeerScanner struct {
	cfg    Config
	logger *slog.Logger

	browse browseFunc

	mu    sync.Mutex
	stats ScanStats

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	return &PeerScanner{
		cfg:             cfg,
		logger:          cfg.Logger.With("component", "scanner"),
		browse:          cfg.browseFn,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrScannerStopped
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Stats returns a copy of the scanner counters.
func (s *PeerScanner) Stats() ScanStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the registry immediately.
	s.scanOrWarn(context.Background())

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanOrWarn(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scanOrWarn(ctx context.Context) {
	if err := s.runScan(ctx); err != nil {
		s.logger.Warn("scan failed", "service", s.cfg.Service, "error", err)
	}
}

// runScan browses for one scan window. A manual refresh also ends the window
// early when its caller gives up.
func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	results := make(chan scanResult, 1)
	go func() {
		results <- s.collect(scanCtx, s.cfg.Identity.Current().PeerID, entries)
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-results
		return err
	}
	<-scanCtx.Done()
	s.apply(<-results)

	// DeadlineExceeded is the normal end of a window.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// collect drains browse results until the window closes, keeping the last
// advertisement per peer.
func (s *PeerScanner) collect(ctx context.Context, selfID string, entries <-chan *zeroconf.ServiceEntry) scanResult {
	result := scanResult{ads: make(map[string]Advertisement)}
	for {
		select {
		case <-ctx.Done():
			return result
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			ad, err := parseEntry(entry, selfID, s.cfg.Version)
			switch {
			case errors.Is(err, errSelfAdvertisement):
			case err != nil:
				result.rejected++
				s.logger.Debug("advertisement rejected", "instance", entry.Instance, "error", err)
			default:
				result.ads[ad.PeerID] = ad
			}
		}
	}
}

func (s *PeerScanner) apply(result scanResult) {
	ids := make([]string, 0, len(result.ads))
	for id := range result.ads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ad := result.ads[id]
		s.cfg.Sink.RecordSeen(ad.PeerID, ad.Metadata(), ad.Address)
	}

	s.mu.Lock()
	s.stats.Scans++
	s.stats.Accepted += len(result.ads)
	s.stats.Rejected += result.rejected
	s.stats.LastScan = time.Now()
	s.mu.Unlock()
}

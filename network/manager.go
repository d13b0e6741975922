package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lanchat/models"
	"lanchat/util"
)

const defaultEventBuffer = 64

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	ListenAddress    string
	Path             string
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	SendQueueSize    int
	InboundPerSecond float64
	InboundBurst     int
	AcceptPerSecond  float64
	AcceptBurst      int
	EventBuffer      int
	Logger           *slog.Logger
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.InboundPerSecond == 0 {
		out.InboundPerSecond = DefaultInboundPerSecond
	}
	if out.InboundBurst == 0 {
		out.InboundBurst = DefaultInboundBurst
	}
	if out.AcceptPerSecond == 0 {
		out.AcceptPerSecond = DefaultAcceptPerSecond
	}
	if out.AcceptBurst == 0 {
		out.AcceptBurst = DefaultAcceptBurst
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Manager owns the transport: an optional listening server and a table of
// live connections keyed by remote address, with at most one connection per
// key.
type Manager struct {
	opts     ManagerOptions
	logger   *slog.Logger
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	server  *Server
	conns   map[string]*Connection
	dialing map[string]*dialCall
	closed  bool

	events *util.Queue[WsEvent]
}

// dialCall is one outbound dial shared by every Connect waiting on the same
// address. It is cancelled once no caller is waiting. Fields other than done
// are guarded by Manager.mu.
type dialCall struct {
	done     chan struct{}
	cancel   context.CancelFunc
	waiters  int
	finished bool
	err      error
}

// NewManager creates a manager. No socket is opened until StartServer or
// Connect.
func NewManager(options ManagerOptions) *Manager {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:    opts,
		logger:  opts.Logger.With("component", "transport"),
		limiter: NewRateLimiter(opts.InboundPerSecond, opts.InboundBurst, opts.AcceptPerSecond, opts.AcceptBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are other instances, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*Connection),
		dialing: make(map[string]*dialCall),
		events:  util.NewQueue[WsEvent](opts.EventBuffer),
	}
}

// Events delivers transport events. The channel is closed by Close; events
// still queued at that point are discarded.
func (m *Manager) Events() <-chan WsEvent {
	return m.events.C()
}

// StartServer binds the listening endpoint. Calling it again while running is
// a no-op.
func (m *Manager) StartServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.server != nil {
		return nil
	}

	server, err := Listen(m.opts.ListenAddress, m.opts.Path, m.handleUpgrade)
	if err != nil {
		return err
	}
	m.server = server
	m.logger.Info("transport server listening", "addr", server.Addr().String(), "path", m.opts.Path)

	go m.watchServer(server)
	return nil
}

// Running reports whether the server is accepting connections.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

// Addr returns the bound server address, or "" when not running.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return ""
	}
	return m.server.Addr().String()
}

// Connect opens an outbound connection to addr, or reuses the live one.
// Concurrent calls for the same address share one dial. A call that fails or
// gives up leaves no connection behind unless another caller is still
// waiting on the same dial.
func (m *Manager) Connect(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if err := validateAddress(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.conns[addr] != nil {
		m.mu.Unlock()
		return nil
	}
	call := m.dialing[addr]
	if call == nil {
		dialCtx, cancel := context.WithCancel(m.ctx)
		call = &dialCall{done: make(chan struct{}), cancel: cancel}
		m.dialing[addr] = call
		go m.dial(dialCtx, addr, call)
	}
	call.waiters++
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return m.abandon(addr, call, ctx.Err())
	}
}

// abandon drops one waiter from call. The dial is cancelled when the last
// waiter leaves before it finished; a dial that already finished reports its
// own result.
func (m *Manager) abandon(addr string, call *dialCall, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call.finished {
		return call.err
	}
	call.waiters--
	if call.waiters == 0 {
		call.cancel()
		if m.dialing[addr] == call {
			delete(m.dialing, addr)
		}
	}
	return cause
}

// SendMessage writes one text message on the live connection for addr. It
// never dials.
func (m *Manager) SendMessage(ctx context.Context, addr, text string) error {
	conn := m.lookup(strings.TrimSpace(addr))
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, addr)
	}

	payload, err := EncodeJSON(NewTextMessage(text, time.Now()))
	if err != nil {
		return err
	}
	if int64(len(payload)) > m.opts.MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", len(payload), m.opts.MaxMessageSize)
	}

	return conn.Send(ctx, payload)
}

// Disconnect closes the connection for addr.
func (m *Manager) Disconnect(addr string) error {
	conn := m.lookup(strings.TrimSpace(addr))
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, addr)
	}
	return conn.Close()
}

// Connections returns the sorted addresses of live connections.
func (m *Manager) Connections() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.conns))
	for addr := range m.conns {
		out = append(out, addr)
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out
}

// Dropped reports inbound messages discarded by the rate limiter for addr.
func (m *Manager) Dropped(addr string) int64 {
	return m.limiter.Dropped(addr)
}

// Close stops the server, closes every connection and ends event delivery.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	server := m.server
	m.server = nil
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	m.cancel()

	var closeErr error
	if server != nil {
		closeErr = server.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	m.events.Close()
	return closeErr
}

func (m *Manager) lookup(addr string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[addr]
}

func (m *Manager) dial(ctx context.Context, addr string, call *dialCall) {
	defer call.cancel()

	ws, err := Dial(ctx, addr, m.opts.Path, m.opts.DialTimeout)
	var conn *Connection
	if err == nil {
		conn = newConnection(ws, addr, DirectionOutbound, m.connectionOptions())
	}

	m.mu.Lock()
	call.finished = true
	if m.dialing[addr] == call {
		delete(m.dialing, addr)
	}
	registered := false
	switch {
	case m.closed:
		call.err = ErrManagerClosed
	case call.waiters == 0:
		call.err = context.Canceled
	case err != nil:
		call.err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
	default:
		// An inbound connection from addr may have taken the key meanwhile;
		// the caller then reuses it.
		registered = m.addLocked(conn)
	}
	m.mu.Unlock()
	close(call.done)

	switch {
	case registered:
		m.started(conn)
	case ws != nil:
		_ = ws.Close()
	}
	if err != nil {
		m.logger.Debug("dial failed", "addr", addr, "error", err)
	}
}

func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !m.limiter.AllowAccept() {
		m.logger.Warn("inbound connection rejected by rate limit", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(ws, r.RemoteAddr, DirectionInbound, m.connectionOptions())
	if !m.register(conn) {
		m.logger.Debug("duplicate inbound connection closed", "remote", r.RemoteAddr)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "duplicate connection"),
			time.Now().Add(closeGrace))
		_ = ws.Close()
	}
}

// register stores conn under its address, emits Connected and starts the
// pumps. It reports false when the key is taken or the manager is closed.
func (m *Manager) register(conn *Connection) bool {
	m.mu.Lock()
	ok := !m.closed && m.addLocked(conn)
	m.mu.Unlock()

	if ok {
		m.started(conn)
	}
	return ok
}

// addLocked claims the address key for conn and queues Connected. m.mu must
// be held.
func (m *Manager) addLocked(conn *Connection) bool {
	if _, exists := m.conns[conn.Addr()]; exists {
		return false
	}
	m.conns[conn.Addr()] = conn
	m.events.Push(Connected{EventBase: newEventBase(conn.Addr()), Direction: conn.Direction()})
	return true
}

func (m *Manager) started(conn *Connection) {
	m.logger.Info("connection established", "addr", conn.Addr(), "direction", string(conn.Direction()))
	conn.start()
}

func (m *Manager) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		WriteTimeout:   m.opts.WriteTimeout,
		PongWait:       m.opts.PongWait,
		PingPeriod:     m.opts.PingPeriod,
		MaxMessageSize: m.opts.MaxMessageSize,
		SendQueueSize:  m.opts.SendQueueSize,
		Limiter:        m.limiter.ForConnection(),
		Logger:         m.logger,
		OnMessage:      m.onMessage,
		OnDrop:         m.onDrop,
		OnClose:        m.onClose,
	}
}

func (m *Manager) onMessage(conn *Connection, msg TextMessage) {
	m.events.Push(MessageReceived{
		EventBase: newEventBase(conn.Addr()),
		Message: models.Message{
			MessageID:     msg.MessageID,
			Addr:          conn.Addr(),
			Text:          msg.Text,
			TimestampSent: msg.Timestamp,
			ReceivedAt:    time.Now().UnixMilli(),
		},
	})
}

func (m *Manager) onDrop(conn *Connection) {
	m.limiter.RecordDrop(conn.Addr())
}

func (m *Manager) onClose(conn *Connection, err error) {
	m.mu.Lock()
	if current, ok := m.conns[conn.Addr()]; ok && current == conn {
		delete(m.conns, conn.Addr())
		m.events.Push(Disconnected{EventBase: newEventBase(conn.Addr()), Err: err})
	}
	m.mu.Unlock()

	m.limiter.Forget(conn.Addr())
	m.logger.Info("connection ended", "addr", conn.Addr(), "error", err)
}

func (m *Manager) watchServer(server *Server) {
	for err := range server.Errors() {
		m.logger.Warn("transport server error", "error", err)
	}
}

package network

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Dial opens a WebSocket session to address ("host:port") on path.
func Dial(ctx context.Context, address, path string, timeout time.Duration) (*websocket.Conn, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	if path == "" {
		path = DefaultPath
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := url.URL{Scheme: "ws", Host: address, Path: path}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	ws, resp, err := dialer.DialContext(dialCtx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return ws, nil
}

// validateAddress accepts only host:port with a usable port.
func validateAddress(address string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", address)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid address %q: bad port", address)
	}
	return nil
}

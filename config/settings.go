package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultListeningPort is the transport port used in fixed port mode.
	DefaultListeningPort = 6767
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
)

// Duration is a time.Duration that reads and writes TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings holds tunables persisted in settings.toml.
type Settings struct {
	Network   NetworkSettings   `toml:"network"`
	Discovery DiscoverySettings `toml:"discovery"`
	Health    HealthSettings    `toml:"health"`
	Transport TransportSettings `toml:"transport"`
	Logging   LoggingSettings   `toml:"logging"`
}

// NetworkSettings controls the transport listener.
type NetworkSettings struct {
	PortMode      string `toml:"port_mode"`
	ListeningPort int    `toml:"listening_port"`
	BindAddress   string `toml:"bind_address"`
}

// DiscoverySettings controls advertisement and scanning.
type DiscoverySettings struct {
	Service           string   `toml:"service"`
	Domain            string   `toml:"domain"`
	AdvertiseInterval Duration `toml:"advertise_interval"`
	ScanInterval      Duration `toml:"scan_interval"`
	ScanTimeout       Duration `toml:"scan_timeout"`
}

// HealthSettings controls liveness decay.
type HealthSettings struct {
	CheckInterval Duration `toml:"check_interval"`
	StaleAfter    Duration `toml:"stale_after"`
	LostAfter     Duration `toml:"lost_after"`
}

// TransportSettings controls connection timing and limits.
type TransportSettings struct {
	MaxMessageBytes  int64    `toml:"max_message_bytes"`
	SendQueueSize    int      `toml:"send_queue_size"`
	InboundPerSecond float64  `toml:"inbound_per_second"`
	InboundBurst     int      `toml:"inbound_burst"`
	AcceptPerSecond  float64  `toml:"accept_per_second"`
	AcceptBurst      int      `toml:"accept_burst"`
	DialTimeout      Duration `toml:"dial_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	PongWait         Duration `toml:"pong_wait"`
	PingPeriod       Duration `toml:"ping_period"`
}

// LoggingSettings selects the slog handler.
type LoggingSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultSettings returns settings with every field populated.
func DefaultSettings() Settings {
	return Settings{
		Network: NetworkSettings{
			PortMode:      PortModeAutomatic,
			ListeningPort: 0,
			BindAddress:   "0.0.0.0",
		},
		Discovery: DiscoverySettings{
			Service:           "_lanchat._tcp",
			Domain:            "local.",
			AdvertiseInterval: Duration{5 * time.Second},
			ScanInterval:      Duration{5 * time.Second},
			ScanTimeout:       Duration{2 * time.Second},
		},
		Health: HealthSettings{
			CheckInterval: Duration{2 * time.Second},
			StaleAfter:    Duration{10 * time.Second},
			LostAfter:     Duration{25 * time.Second},
		},
		Transport: TransportSettings{
			MaxMessageBytes:  64 * 1024,
			SendQueueSize:    32,
			InboundPerSecond: 20,
			InboundBurst:     40,
			AcceptPerSecond:  10,
			AcceptBurst:      20,
			DialTimeout:      Duration{5 * time.Second},
			WriteTimeout:     Duration{10 * time.Second},
			PongWait:         Duration{60 * time.Second},
			PingPeriod:       Duration{54 * time.Second},
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// ListenAddress returns the host:port the transport server binds.
func (s Settings) ListenAddress() string {
	port := 0
	if s.Network.PortMode == PortModeFixed {
		port = s.Network.ListeningPort
	}
	return fmt.Sprintf("%s:%d", s.Network.BindAddress, port)
}

// Validate reports inconsistent tunables.
func (s Settings) Validate() error {
	switch s.Network.PortMode {
	case PortModeAutomatic, PortModeFixed:
	default:
		return fmt.Errorf("network.port_mode must be %q or %q, got %q", PortModeAutomatic, PortModeFixed, s.Network.PortMode)
	}
	if s.Network.ListeningPort < 0 || s.Network.ListeningPort > 65535 {
		return fmt.Errorf("network.listening_port out of range: %d", s.Network.ListeningPort)
	}
	if s.Health.StaleAfter.Duration <= 0 {
		return errors.New("health.stale_after must be > 0")
	}
	if s.Health.LostAfter.Duration <= s.Health.StaleAfter.Duration {
		return errors.New("health.lost_after must be greater than health.stale_after")
	}
	if s.Transport.MaxMessageBytes <= 0 {
		return errors.New("transport.max_message_bytes must be > 0")
	}
	if s.Transport.PingPeriod.Duration >= s.Transport.PongWait.Duration && s.Transport.PongWait.Duration > 0 {
		return errors.New("transport.ping_period must be shorter than transport.pong_wait")
	}
	return nil
}

// LoadSettings decodes settings.toml on top of the defaults. A missing file
// is created with defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return settings, fmt.Errorf("read settings: %w", err)
		}
		if err := SaveSettings(path, settings); err != nil {
			return settings, err
		}
		return settings, nil
	}

	if _, err := toml.Decode(string(raw), &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}
	if normalizeSettings(&settings) {
		if err := SaveSettings(path, settings); err != nil {
			return settings, err
		}
	}
	if err := settings.Validate(); err != nil {
		return DefaultSettings(), fmt.Errorf("validate settings: %w", err)
	}

	return settings, nil
}

// SaveSettings writes settings.toml.
func SaveSettings(path string, settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return nil
}

func normalizeSettings(s *Settings) bool {
	updated := false

	mode := normalizePortMode(s.Network.PortMode)
	if mode == "" {
		if s.Network.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if s.Network.PortMode != mode {
		s.Network.PortMode = mode
		updated = true
	}
	if s.Network.PortMode == PortModeFixed && s.Network.ListeningPort == 0 {
		s.Network.ListeningPort = DefaultListeningPort
		updated = true
	}
	if strings.TrimSpace(s.Network.BindAddress) == "" {
		s.Network.BindAddress = "0.0.0.0"
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

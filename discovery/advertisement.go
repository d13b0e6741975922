package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"lanchat/models"
)

const (
	// AppTag marks TXT records published by this application.
	AppTag = "lanchat"

	txtKeyApp      = "app"
	txtKeyVersion  = "v"
	txtKeyPeerID   = "id"
	txtKeyName     = "name"
	txtKeyPlatform = "platform"
	txtKeyAddress  = "addr"

	// maxTXTValueLength keeps a key=value pair inside one 255 byte TXT string.
	maxTXTValueLength = 200
)

var (
	// ErrMalformedAdvertisement indicates a browse result that is not a valid
	// advertisement from a compatible peer.
	ErrMalformedAdvertisement = errors.New("discovery: malformed advertisement")

	errSelfAdvertisement = errors.New("discovery: self advertisement")
)

// Advertisement is the decoded content of one service entry.
type Advertisement struct {
	PeerID      string
	DisplayName string
	Instance    string
	Version     int
	Platform    string
	Address     string
}

// Metadata returns the registry view of the advertisement.
func (a Advertisement) Metadata() models.PeerMetadata {
	return models.PeerMetadata{
		DisplayName: a.DisplayName,
		Instance:    a.Instance,
		Version:     a.Version,
		Platform:    a.Platform,
	}
}

// TXT encodes the advertisement as DNS-SD TXT strings. Keys are emitted in a
// fixed order so identical advertisements produce identical records.
func (a Advertisement) TXT() []string {
	txt := []string{
		txtKeyApp + "=" + AppTag,
		txtKeyVersion + "=" + strconv.Itoa(a.Version),
		txtKeyPeerID + "=" + a.PeerID,
		txtKeyName + "=" + a.DisplayName,
		txtKeyPlatform + "=" + a.Platform,
	}
	if a.Address != "" {
		txt = append(txt, txtKeyAddress+"="+a.Address)
	}
	return txt
}

// parseEntry validates a browse result. Entries published by selfPeerID are
// reported with errSelfAdvertisement so callers can skip them quietly.
func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string, version int) (Advertisement, error) {
	if entry == nil {
		return Advertisement{}, fmt.Errorf("%w: empty entry", ErrMalformedAdvertisement)
	}

	txt := txtToMap(entry.Text)
	if txt[txtKeyApp] != AppTag {
		return Advertisement{}, fmt.Errorf("%w: foreign app tag %q", ErrMalformedAdvertisement, txt[txtKeyApp])
	}
	for key, value := range txt {
		if len(value) > maxTXTValueLength {
			return Advertisement{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedAdvertisement, key, maxTXTValueLength)
		}
	}

	peerVersion, err := strconv.Atoi(txt[txtKeyVersion])
	if err != nil {
		return Advertisement{}, fmt.Errorf("%w: version %q", ErrMalformedAdvertisement, txt[txtKeyVersion])
	}
	if peerVersion != version {
		return Advertisement{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedAdvertisement, peerVersion)
	}

	peerID := txt[txtKeyPeerID]
	if peerID == "" {
		return Advertisement{}, fmt.Errorf("%w: missing peer id", ErrMalformedAdvertisement)
	}
	if peerID == selfPeerID {
		return Advertisement{}, errSelfAdvertisement
	}

	address, err := entryAddress(entry, txt[txtKeyAddress])
	if err != nil {
		return Advertisement{}, err
	}

	name := txt[txtKeyName]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = peerID
	}

	return Advertisement{
		PeerID:      peerID,
		DisplayName: name,
		Instance:    strings.TrimSpace(entry.Instance),
		Version:     peerVersion,
		Platform:    txt[txtKeyPlatform],
		Address:     address,
	}, nil
}

// entryAddress prefers an explicit addr= record and otherwise pairs the first
// resolved IP, IPv4 before IPv6, with the SRV port.
func entryAddress(entry *zeroconf.ServiceEntry, advertised string) (string, error) {
	if advertised != "" {
		host, port, err := net.SplitHostPort(advertised)
		if err != nil || host == "" {
			return "", fmt.Errorf("%w: addr %q", ErrMalformedAdvertisement, advertised)
		}
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%w: addr port %q", ErrMalformedAdvertisement, port)
		}
		return advertised, nil
	}

	if entry.Port <= 0 || entry.Port > 65535 {
		return "", fmt.Errorf("%w: port %d", ErrMalformedAdvertisement, entry.Port)
	}
	addresses := entryIPs(entry)
	if len(addresses) == 0 {
		return "", fmt.Errorf("%w: no addresses", ErrMalformedAdvertisement)
	}
	return net.JoinHostPort(addresses[0], strconv.Itoa(entry.Port)), nil
}

func entryIPs(entry *zeroconf.ServiceEntry) []string {
	out := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		family := make([]string, 0, len(group))
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			family = append(family, raw)
		}
		sort.Strings(family)
		out = append(out, family...)
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

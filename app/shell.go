package app

import (
	"lanchat/models"
	"lanchat/network"
	"lanchat/presence"
)

// Shell event names.
const (
	EventPeerConnected    = "peer-connected"
	EventPeerUpdated      = "peer-updated"
	EventPeerReconnected  = "peer-reconnected"
	EventPeerDisconnected = "peer-disconnected"
	EventWsConnected      = "ws-connected"
	EventWsDisconnected   = "ws-disconnected"
	EventWsMessage        = "ws-message"
)

// ShellEvent is the flattened, JSON-ready form of a presence or transport
// event. Presence events carry Source and Peer; transport events carry Addr.
type ShellEvent struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	Timestamp int64            `json:"timestamp"`
	Source    string           `json:"source,omitempty"`
	Peer      *models.PeerInfo `json:"peer,omitempty"`
	Addr      string           `json:"addr,omitempty"`
	Direction string           `json:"direction,omitempty"`
	Error     string           `json:"error,omitempty"`
	Message   *models.Message  `json:"message,omitempty"`
}

// PeerShellEvent translates a presence event.
func PeerShellEvent(event presence.PeerEvent) ShellEvent {
	var t shellTranslator
	event.Accept(&t)
	return t.out
}

// WsShellEvent translates a transport event.
func WsShellEvent(event network.WsEvent) ShellEvent {
	var t shellTranslator
	event.Accept(&t)
	return t.out
}

type shellTranslator struct {
	out ShellEvent
}

var (
	_ presence.PeerEventVisitor = (*shellTranslator)(nil)
	_ network.WsEventVisitor    = (*shellTranslator)(nil)
)

func (t *shellTranslator) VisitJoined(e presence.Joined) {
	t.peer(EventPeerConnected, e.EventHeader, e.Metadata, e.Address)
}

func (t *shellTranslator) VisitUpdated(e presence.Updated) {
	t.peer(EventPeerUpdated, e.EventHeader, e.Metadata, e.Address)
}

func (t *shellTranslator) VisitReconnected(e presence.Reconnected) {
	t.peer(EventPeerReconnected, e.EventHeader, e.Metadata, e.Address)
}

func (t *shellTranslator) VisitLeft(e presence.Left) {
	t.out = presenceBase(EventPeerDisconnected, e.EventHeader)
	t.out.Peer = &models.PeerInfo{ID: e.PeerID}
}

func (t *shellTranslator) VisitConnected(e network.Connected) {
	t.out = transportBase(EventWsConnected, e.EventBase)
	t.out.Direction = string(e.Direction)
}

func (t *shellTranslator) VisitDisconnected(e network.Disconnected) {
	t.out = transportBase(EventWsDisconnected, e.EventBase)
	if e.Err != nil {
		t.out.Error = e.Err.Error()
	}
}

func (t *shellTranslator) VisitMessageReceived(e network.MessageReceived) {
	t.out = transportBase(EventWsMessage, e.EventBase)
	msg := e.Message
	t.out.Message = &msg
}

func (t *shellTranslator) peer(kind string, h presence.EventHeader, meta models.PeerMetadata, address string) {
	t.out = presenceBase(kind, h)
	t.out.Peer = &models.PeerInfo{
		ID:       h.PeerID,
		Metadata: models.NewPeerInfoMetadata(meta, address),
	}
}

func presenceBase(kind string, h presence.EventHeader) ShellEvent {
	return ShellEvent{
		Type:      kind,
		ID:        h.ID,
		Timestamp: h.Timestamp.UnixMilli(),
		Source:    string(h.Source),
	}
}

func transportBase(kind string, b network.EventBase) ShellEvent {
	return ShellEvent{
		Type:      kind,
		ID:        b.ID,
		Timestamp: b.Timestamp.UnixMilli(),
		Addr:      b.Address,
	}
}

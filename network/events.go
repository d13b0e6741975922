package network

import (
	"time"

	"github.com/google/uuid"

	"lanchat/models"
)

// WsEvent is a transport lifecycle or message notification keyed by remote
// address. The set of variants is closed; dispatch with Accept.
type WsEvent interface {
	EventID() string
	Addr() string
	At() time.Time
	Accept(v WsEventVisitor)
}

// WsEventVisitor handles each transport event variant.
type WsEventVisitor interface {
	VisitConnected(Connected)
	VisitDisconnected(Disconnected)
	VisitMessageReceived(MessageReceived)
}

// EventBase holds the fields shared by every transport event.
type EventBase struct {
	ID        string
	Address   string
	Timestamp time.Time
}

func newEventBase(addr string) EventBase {
	return EventBase{ID: uuid.NewString(), Address: addr, Timestamp: time.Now()}
}

func (b EventBase) EventID() string { return b.ID }
func (b EventBase) Addr() string    { return b.Address }
func (b EventBase) At() time.Time   { return b.Timestamp }

// Connected is emitted once a connection is registered, in either direction.
type Connected struct {
	EventBase
	Direction Direction
}

// Disconnected is emitted exactly once when a registered connection ends.
type Disconnected struct {
	EventBase
	Err error
}

// MessageReceived carries one inbound text message.
type MessageReceived struct {
	EventBase
	Message models.Message
}

func (e Connected) Accept(v WsEventVisitor)       { v.VisitConnected(e) }
func (e Disconnected) Accept(v WsEventVisitor)    { v.VisitDisconnected(e) }
func (e MessageReceived) Accept(v WsEventVisitor) { v.VisitMessageReceived(e) }

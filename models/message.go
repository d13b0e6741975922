package models

// Message is one inbound text message as delivered by the transport.
type Message struct {
	MessageID     string `json:"message_id"`
	Addr          string `json:"addr"`
	Text          string `json:"text"`
	TimestampSent int64  `json:"timestamp_sent"`
	ReceivedAt    int64  `json:"received_at"`
}

// Package slack implements the transport session: a single persistent
// socket-mode connection for inbound events and a Web API client for
// outbound messages and file uploads.
package slack

// InboundEvent is the minimal event shape the orchestrator needs,
// normalized from the events-api envelope payload. Immutable once
// received.
type InboundEvent struct {
	// ID is the platform event id, unique per delivery attempt group;
	// replays carry the same id and must be deduplicated upstream.
	ID string

	// Kind is the platform event type (app_mention, message, ...).
	Kind string

	Channel     string
	ChannelType string // "im" for direct-message channels
	User        string
	Text        string

	// TS is this message's own timestamp; ThreadTS is the thread anchor,
	// empty for top-level messages.
	TS       string
	ThreadTS string

	// BotID is non-empty for bot-authored messages.
	BotID string

	// Subtype marks edits, joins and other non-message events.
	Subtype string
}

// envelope is a socket-mode frame.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    envelopePayload `json:"payload"`
	Reason     string          `json:"reason,omitempty"`
}

type envelopePayload struct {
	EventID string     `json:"event_id"`
	Event   innerEvent `json:"event"`
}

type innerEvent struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	User        string `json:"user"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
	BotID       string `json:"bot_id"`
	Subtype     string `json:"subtype"`
}

// ack is the reply a socket-mode envelope expects.
type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

package domain

import "time"

// DeadLetter is the side-channel record for an event the pipeline could not
// process. It carries enough context for offline diagnosis and explicit
// replay; dead letters are never re-injected automatically.
type DeadLetter struct {
	Error string `json:"error"`

	// OriginalEvent is set when the envelope parsed; Body carries the raw
	// bytes when parsing itself failed.
	OriginalEvent *Event `json:"original_event,omitempty"`
	Body          string `json:"body,omitempty"`

	RoutingKey string    `json:"routing_key,omitempty"`
	Service    string    `json:"service"`
	FailedAt   time.Time `json:"failed_at"`
}

// Package broker wraps NATS JetStream for the observa pipeline: durable
// streams, pull consumers with explicit acknowledgement, and persistent
// publishers for events, snapshots and dead letters.
package broker

import "time"

// Stream names and their subject spaces.
const (
	StreamEvents     = "EVENTS"
	StreamMetrics    = "METRICS"
	StreamDeadLetter = "DEADLETTER"
)

// Subjects. Raw producer events arrive on events.raw.<source>; the validator
// republishes them to events.validated.<source>; the aggregator emits to
// metrics.daily and routes failures to deadletter.processing.
const (
	SubjectEventsAll       = "events.>"
	SubjectRawPrefix       = "events.raw."
	SubjectRawAll          = "events.raw.>"
	SubjectValidatedPrefix = "events.validated."
	SubjectValidatedAll    = "events.validated.>"

	SubjectMetricsAll   = "metrics.>"
	SubjectMetricsDaily = "metrics.daily"

	SubjectDeadLetterAll        = "deadletter.>"
	SubjectDeadLetterValidation = "deadletter.validation"
	SubjectDeadLetterProcessing = "deadletter.processing"
)

// Message headers.
const (
	HeaderRegion        = "Region"
	HeaderSource        = "Source"
	HeaderSchemaVersion = "Schema-Version"
	HeaderReplay        = "X-Replay"
	HeaderContentType   = "Content-Type"

	ContentTypeJSON = "application/json"
)

// Processing and retry constants.
const (
	MaxConsecutiveErrors  = 10
	BaseBackoffDelay      = time.Second
	MaxBackoffDelay       = 30 * time.Second
	BackoffMultiplier     = 2.0
	RetryShortDelay       = time.Second
	MetricsReportInterval = time.Minute
	DrainTimeout          = 10 * time.Second
)

// RawSubject returns the producer subject for a source tag.
func RawSubject(source string) string {
	return SubjectRawPrefix + source
}

// ValidatedSubject returns the post-validation subject for a source tag.
func ValidatedSubject(source string) string {
	return SubjectValidatedPrefix + source
}

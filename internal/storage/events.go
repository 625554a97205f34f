package storage

import "time"

// EventWriter is the interface for writing authorization decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent represents a single authorization decision to be persisted
// for analytics. Evidence of record lives in the per-tenant evidence store;
// this stream is the queryable copy.
type DecisionEvent struct {
	RequestID         string
	TenantID          string
	Timestamp         time.Time
	AgentID           string
	TaskID            string
	Operation         string
	Target            string
	Environment       string
	Authorized        bool
	Risky             bool
	ViolationType     string
	Message           string
	Severity          string
	EngagementID      string
	TicketID          string
	EmergencyOverride bool
	LatencyMs         float32
	Source            string // "api"
}

// MessagePreviewLength is the max chars stored in the message column.
const MessagePreviewLength = 500

// TruncateMessage returns the first N characters (runes) of a message for
// storage. It never splits a multi-byte UTF-8 character.
func TruncateMessage(message string, maxLen int) string {
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	return string(runes[:maxLen])
}

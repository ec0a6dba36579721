package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the key/value mutation records stored in the log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSet    EventType = "SET"    // Key written (value + optional expiry)
	EventDelete EventType = "DELETE" // Key removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64    `json:"seq"`                  // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`                 // Event type
	Key       string    `json:"key"`                  // Store key
	Value     []byte    `json:"value,omitempty"`      // Raw value for SET
	ExpiresAt int64     `json:"expires_at,omitempty"` // Unix millisecond expiry, 0 means none
	Timestamp int64     `json:"timestamp"`            // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`             // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to store state
type EventHandler func(event Event) error

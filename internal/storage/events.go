package storage

import "time"

// EventWriter is the interface for writing control-plane audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ControlEvent)
	Close()
}

// Control event kinds.
const (
	KindRouting  = "routing"
	KindActivity = "activity"
	KindBrake    = "brake"
	KindGate     = "gate"
)

// ControlEvent is one audit record, such as a routing decision or a brake
// transition.
type ControlEvent struct {
	EventID   string
	Timestamp time.Time
	Kind      string
	UserID    string
	TaskKind  string
	TaskID    string
	Lane      string
	AgentType string
	Decision  string
	Reason    string
	Tier      string
	EventType string
	Severity  string
	Title     string
	Metadata  map[string]string
}

// TitlePreviewLength is the max chars stored in title.
const TitlePreviewLength = 200

// Truncate returns the first maxLen runes of s. It never splits a
// multi-byte UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

package domain

import (
	"fmt"
	"strings"
)

// AutonomyTier is the user-chosen ceiling on how independently agents may act.
// Ordinal: L0 (suggestions only) through L3 (fully autonomous).
type AutonomyTier int

const (
	TierL0 AutonomyTier = iota
	TierL1
	TierL2
	TierL3
)

func (t AutonomyTier) String() string {
	if t < TierL0 || t > TierL3 {
		return fmt.Sprintf("L?(%d)", int(t))
	}
	return fmt.Sprintf("L%d", int(t))
}

// Valid reports whether t is one of L0..L3.
func (t AutonomyTier) Valid() bool {
	return t >= TierL0 && t <= TierL3
}

// ParseTier accepts "L2", "l2" or "2".
func ParseTier(s string) (AutonomyTier, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "L")
	if len(s) != 1 || s[0] < '0' || s[0] > '3' {
		return 0, fmt.Errorf("invalid autonomy tier %q", s)
	}
	return AutonomyTier(s[0] - '0'), nil
}

// ActionKind classifies an agent action for tier gating.
type ActionKind string

const (
	ActionRead  ActionKind = "read"
	ActionWrite ActionKind = "write"
)

func (a ActionKind) Valid() bool {
	return a == ActionRead || a == ActionWrite
}

// Decision is the outcome of a tier gate check.
type Decision string

const (
	DecisionExecute       Decision = "execute"
	DecisionSuggest       Decision = "suggest"
	DecisionQueueApproval Decision = "queue_approval"
	DecisionBlocked       Decision = "blocked"
)

// BrakeState is the per-user emergency brake state.
type BrakeState string

const (
	BrakeRunning  BrakeState = "RUNNING"
	BrakePausing  BrakeState = "PAUSING"
	BrakePaused   BrakeState = "PAUSED"
	BrakePartial  BrakeState = "PARTIAL"
	BrakeResuming BrakeState = "RESUMING"
)

// Halted reports whether the brake has settled into a stopped state.
func (s BrakeState) Halted() bool {
	return s == BrakePaused || s == BrakePartial
}

// Severity of an activity event.
type Severity string

const (
	SeverityInfo           Severity = "info"
	SeverityWarning        Severity = "warning"
	SeverityActionRequired Severity = "action_required"
)

// Channel is a briefing delivery channel.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// ParseChannels drops unknown channel names and duplicates.
func ParseChannels(names []string) []Channel {
	seen := make(map[Channel]bool, len(names))
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		c := Channel(strings.ToLower(strings.TrimSpace(n)))
		if c != ChannelInApp && c != ChannelEmail {
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

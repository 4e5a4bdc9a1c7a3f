package engine

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/program"
)

// State is the phase of a slot or of one action.
type State int

const (
	Idle State = iota
	Submitting
	AwaitingConfirmation
	Resolved
	TimedOut
	// Failed marks an action whose submission returned an error. The slot
	// itself goes back to Idle.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed-out"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// InFlight reports whether an action in this state still blocks its slot.
func (s State) InFlight() bool { return s == Submitting || s == AwaitingConfirmation }

// LateOutcome is an authoritative value that arrived after its action timed
// out. It is kept for history only.
type LateOutcome struct {
	State program.State `json:"state"`
	At    time.Time     `json:"at"`
}

// PendingAction is the record of one dispatch. Values returned by a Slot are
// snapshots.
type PendingAction struct {
	ID    string      `json:"id"`
	Flow  string      `json:"flow"`
	State State       `json:"state"`
	Route ledger.Kind `json:"ledger,omitempty"`
	// ExpectedAfterSequence is the account sequence observed just before
	// submission; only a strictly greater one resolves the action.
	ExpectedAfterSequence uint64           `json:"expected_after_sequence"`
	SubmittedAt           time.Time        `json:"submitted_at"`
	Signature             solana.Signature `json:"signature"`
	Outcome               *program.State   `json:"outcome,omitempty"`
	ResolvedAt            time.Time        `json:"resolved_at,omitempty"`
	TimedOutAt            time.Time        `json:"timed_out_at,omitempty"`
	Late                  *LateOutcome     `json:"late,omitempty"`
	Err                   error            `json:"-"`
	Error                 string           `json:"error,omitempty"`
}

// Done reports whether the action reached a terminal state.
func (p PendingAction) Done() bool { return !p.State.InFlight() }

func (p PendingAction) clone() PendingAction {
	if p.Outcome != nil {
		o := *p.Outcome
		p.Outcome = &o
	}
	if p.Late != nil {
		l := *p.Late
		p.Late = &l
	}
	return p
}

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeTimeout NoticeKind = "timeout"
	NoticeFailure NoticeKind = "failure"
	NoticeLate    NoticeKind = "late"
)

// Notice is a message for the user about one action.
type Notice struct {
	Flow     string     `json:"flow"`
	ActionID string     `json:"action_id"`
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message"`
	At       time.Time  `json:"at"`
}

// View is what a UI renders for a slot.
type View struct {
	Flow    string           `json:"flow"`
	Account solana.PublicKey `json:"account"`
	State   State            `json:"state"`
	// Confirmed is the last authoritative value; nil until the account exists.
	Confirmed *program.State `json:"confirmed,omitempty"`
	// Provisional is shown while an action is in flight.
	Provisional *program.State `json:"provisional,omitempty"`
	Pending     string         `json:"pending,omitempty"`
}

package sip

// DialogState represents where a dialog sits in the RFC 3261 13.2 state
// machine: early (provisional response with a tag seen), confirmed (2xx
// to the initial INVITE sent or received), or terminated. There is no
// intermediate ACK-gated state: whether the 2xx has actually been ACKed
// yet is tracked separately from dialog state, since it governs when a
// BYE may be sent (RFC 3261 §15), not the dialog's own state machine.
type DialogState int32

const (
	// DialogStateEarly is set on a provisional response carrying a To tag.
	DialogStateEarly DialogState = iota
	// DialogStateConfirmed is set once a 2xx final response to the initial
	// INVITE is sent or received.
	DialogStateConfirmed
	// DialogStateEnded is set once BYE is processed or the dialog is torn down.
	DialogStateEnded
)

// Dialog is a lightweight, immutable snapshot of a dialog transition, used to
// notify observers without exposing the full stateful dialog session.
type Dialog struct {
	ID    string
	State DialogState
}

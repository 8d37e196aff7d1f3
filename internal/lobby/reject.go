package lobby

import "fmt"

// RejectReason is why a join was refused. The numeric values travel in
// JoinRejected and must not be reordered.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectBanned
	RejectPrivate
	RejectRankTooHigh
	RejectRankTooLow
	RejectStarting
	RejectJoinInProgress
	RejectFull
	RejectMatchGone
)

// rejectMessages are shown to players verbatim.
var rejectMessages = map[RejectReason]string{
	RejectBanned:         "you are banned from this match",
	RejectPrivate:        "this match is private",
	RejectRankTooHigh:    "your skill rating is too high for this match",
	RejectRankTooLow:     "your skill rating is too low for this match",
	RejectStarting:       "match starting, please wait",
	RejectJoinInProgress: "match does not allow join in progress",
	RejectFull:           "match full",
	RejectMatchGone:      "match no longer exists",
}

// Message returns the player-facing text.
func (r RejectReason) Message() string {
	if msg, ok := rejectMessages[r]; ok {
		return msg
	}
	return fmt.Sprintf("join rejected (%d)", uint8(r))
}

// Rejection is a business-rule refusal of a join.
type Rejection struct {
	Reason  RejectReason
	MatchID string
}

func (r *Rejection) Error() string {
	return r.Reason.Message()
}

// MsgLaunchFailed is sent to a player whose launch request could not be
// satisfied.
const MsgLaunchFailed = "could not start, try again"

package connection

import (
	"github.com/ashureev/agentroom/internal/domain"
)

// Event is an input to the session state machine.
type Event interface {
	event()
}

// Connect starts a session from idle or left.
type Connect struct{}

// SettleElapsed fires once the post-connect settle delay has passed.
type SettleElapsed struct{ Token uint64 }

// JoinSucceeded reports that the meeting SDK joined the meeting.
type JoinSucceeded struct{}

// JoinLeft reports that the local participant is out of the meeting.
type JoinLeft struct{}

// JoinFailed reports a meeting SDK error. RelayMissing marks a join that could
// not be sent because no relay was attached.
type JoinFailed struct {
	Message      string
	TimedOut     bool
	RelayMissing bool
}

// RetryDue fires when the retry backoff has elapsed.
type RetryDue struct{ Token uint64 }

// RejoinDue fires when the rejoin delay of a retry has elapsed.
type RejoinDue struct{ Token uint64 }

// ManualRetry is a user-requested retry.
type ManualRetry struct{}

// Disconnect is a user-requested teardown.
type Disconnect struct{}

// LeaveGraceElapsed fires when the meeting did not confirm a leave in time.
type LeaveGraceElapsed struct{ Token uint64 }

// InviteSucceeded reports that the agent backend accepted the invite.
type InviteSucceeded struct{}

// InviteFailed reports that the agent invite was rejected or could not be sent.
type InviteFailed struct {
	Message  string
	TimedOut bool
}

// RequestInvite asks for an agent invite outside the automatic one on join.
type RequestInvite struct{}

// ParticipantJoined reports a classified remote participant entering.
type ParticipantJoined struct{ Participant domain.Participant }

// ParticipantLeft reports a classified remote participant leaving.
type ParticipantLeft struct{ Participant domain.Participant }

// RemovalFinished reports the outcome of asking the backend to remove the agent.
type RemovalFinished struct {
	Outcome string
	Message string
}

// ToggleMic is a user-requested microphone toggle.
type ToggleMic struct{}

// AgentSpeaking reports a change in the agent's active-speaker state.
type AgentSpeaking struct{ Active bool }

// RelayAttached reports that a browser relay can now carry meeting commands.
type RelayAttached struct{}

// RelayDetached reports that the browser relay went away.
type RelayDetached struct{}

func (Connect) event()           {}
func (SettleElapsed) event()     {}
func (JoinSucceeded) event()     {}
func (JoinLeft) event()          {}
func (JoinFailed) event()        {}
func (RetryDue) event()          {}
func (RejoinDue) event()         {}
func (ManualRetry) event()       {}
func (Disconnect) event()        {}
func (LeaveGraceElapsed) event() {}
func (InviteSucceeded) event()   {}
func (InviteFailed) event()      {}
func (RequestInvite) event()     {}
func (ParticipantJoined) event() {}
func (ParticipantLeft) event()   {}
func (RemovalFinished) event()   {}
func (ToggleMic) event()         {}
func (AgentSpeaking) event()     {}
func (RelayAttached) event()     {}
func (RelayDetached) event()     {}

// timerToken returns the token of a timer event, 0 for other events.
func timerToken(ev Event) uint64 {
	switch e := ev.(type) {
	case SettleElapsed:
		return e.Token
	case RetryDue:
		return e.Token
	case RejoinDue:
		return e.Token
	case LeaveGraceElapsed:
		return e.Token
	}
	return 0
}

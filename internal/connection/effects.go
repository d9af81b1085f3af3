package connection

import "time"

// Effect is an action requested by the state machine.
type Effect interface {
	effect()
}

// JoinMeeting asks the meeting SDK to join.
type JoinMeeting struct{}

// LeaveMeeting asks the meeting SDK to leave.
type LeaveMeeting struct{}

// EndMeeting asks the meeting SDK to end the meeting for everyone.
type EndMeeting struct{}

// ToggleMicrophone asks the meeting SDK to flip the local microphone.
type ToggleMicrophone struct{}

// InviteAgent asks the agent backend to send an agent into the meeting.
type InviteAgent struct{}

// RemoveAgent asks the agent backend to withdraw the agent.
type RemoveAgent struct{}

// ScheduleTimer delivers Event after Delay unless canceled.
type ScheduleTimer struct {
	Token uint64
	Delay time.Duration
	Event Event
}

// CancelTimer cancels a scheduled timer.
type CancelTimer struct{ Token uint64 }

// StopAgentAudio stops sampling the agent's audio.
type StopAgentAudio struct{}

// NotifyDisconnected tells the owner that the session is over.
type NotifyDisconnected struct{}

// Publish announces a new snapshot.
type Publish struct{}

func (JoinMeeting) effect()        {}
func (LeaveMeeting) effect()       {}
func (EndMeeting) effect()         {}
func (ToggleMicrophone) effect()   {}
func (InviteAgent) effect()        {}
func (RemoveAgent) effect()        {}
func (ScheduleTimer) effect()      {}
func (CancelTimer) effect()        {}
func (StopAgentAudio) effect()     {}
func (NotifyDisconnected) effect() {}
func (Publish) effect()            {}

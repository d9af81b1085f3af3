// Package connection drives a meeting session through join, retry, agent
// invitation and teardown.
package connection

import (
	"time"

	"github.com/ashureev/agentroom/internal/agent"
	"github.com/ashureev/agentroom/internal/domain"
)

// Config holds state machine timings.
type Config struct {
	SettleDelay  time.Duration
	RetryBackoff time.Duration
	RejoinDelay  time.Duration
	LeaveGrace   time.Duration
	MaxRetries   int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  2 * time.Second,
		RetryBackoff: 5 * time.Second,
		RejoinDelay:  time.Second,
		LeaveGrace:   5 * time.Second,
		MaxRetries:   3,
	}
}

type retryStage uint8

const (
	retryNone retryStage = iota
	retryBackoff
	retryRejoin
)

type inviteStage uint8

const (
	inviteNone inviteStage = iota
	invitePending
	inviteAccepted
)

// State is the full state of one session. The zero value is idle.
//
// Phase never holds domain.PhaseRetrying; a pending retry is tracked separately
// so the underlying joining/joined phase survives it. Snapshot folds the two.
type State struct {
	Phase              domain.Phase
	RetryCount         int
	LastError          *domain.SessionError
	AgentError         *domain.SessionError
	AgentParticipantID string
	AgentSpeaking      bool
	MicEnabled         bool

	retry      retryStage
	invite     inviteStage
	joinIssued bool
	joinHeld   bool
	relay      bool
	removing   bool
	timer      uint64
	lastToken  uint64
}

// Retrying returns true while a retry is pending.
func (s State) Retrying() bool {
	return s.retry != retryNone
}

// Invitation returns the agent invitation flags.
func (s State) Invitation() domain.AgentInvitation {
	invited := s.invite == inviteAccepted
	return domain.AgentInvitation{
		Invited: invited,
		Joined:  invited && s.AgentParticipantID != "",
	}
}

// Snapshot copies the state onto base, which carries identity and timestamps.
func (s State) Snapshot(base domain.Session) domain.Session {
	base.Phase = s.Phase
	if base.Phase == "" {
		base.Phase = domain.PhaseIdle
	}
	if s.retry != retryNone {
		base.Phase = domain.PhaseRetrying
	}
	base.RetryCount = s.RetryCount
	base.LastError = s.LastError
	base.AgentError = s.AgentError
	base.Invitation = s.Invitation()
	base.AgentParticipantID = s.AgentParticipantID
	base.AgentSpeaking = s.AgentSpeaking
	base.MicEnabled = s.MicEnabled
	return base
}

// Step applies ev to s and returns the next state and the effects to run, in order.
// Step is pure: it never blocks and performs no I/O.
func Step(cfg Config, s State, ev Event) (State, []Effect) {
	prev := s
	var fx []Effect

	if s.Phase == "" {
		s.Phase = domain.PhaseIdle
	}

	switch e := ev.(type) {
	case Connect:
		if s.Phase != domain.PhaseIdle && s.Phase != domain.PhaseLeft {
			return prev, nil
		}
		s = State{Phase: domain.PhaseJoining, lastToken: s.lastToken, relay: s.relay}
		fx = s.schedule(fx, cfg.SettleDelay, func(t uint64) Event { return SettleElapsed{Token: t} })

	case SettleElapsed:
		if !s.fire(e.Token) {
			return prev, nil
		}
		if s.Phase == domain.PhaseJoining && !s.joinIssued {
			fx = s.requestJoin(fx)
		}

	case JoinSucceeded:
		if s.Phase != domain.PhaseJoining && s.Phase != domain.PhaseJoined {
			return prev, nil
		}
		fx = s.cancelTimer(fx)
		if s.Phase == domain.PhaseJoining {
			s.MicEnabled = true
		}
		s.Phase = domain.PhaseJoined
		s.joinIssued = false
		s.joinHeld = false
		s.retry = retryNone
		s.RetryCount = 0
		s.LastError = nil
		if s.invite == inviteNone {
			s.invite = invitePending
			s.AgentError = nil
			fx = append(fx, InviteAgent{})
		}

	case JoinLeft:
		if s.Phase == domain.PhaseIdle || s.Phase == domain.PhaseLeft {
			return prev, nil
		}
		fx = s.finishLeave(fx)

	case LeaveGraceElapsed:
		if !s.fire(e.Token) || s.Phase != domain.PhaseLeaving {
			return prev, nil
		}
		fx = s.finishLeave(fx)

	case JoinFailed:
		if s.Phase == domain.PhaseIdle || s.Phase == domain.PhaseLeft {
			return prev, nil
		}
		switch {
		case e.RelayMissing && s.Phase == domain.PhaseJoining:
			// The relay went away before the join was sent; the next
			// RelayAttached reissues it.
			s.relay = false
			s.joinIssued = false
			s.joinHeld = true
		case e.RelayMissing:
			return prev, nil
		case s.Phase == domain.PhaseLeaving:
			s.LastError = domain.NewSessionError(domain.ErrorKindPermanentConnection, e.Message)
		case e.TimedOut:
			s.LastError = domain.NewSessionError(domain.ErrorKindTimeout, domain.MsgJoinTimedOut)
		case domain.IsTransientCapacity(e.Message):
			if s.RetryCount >= cfg.MaxRetries {
				s.LastError = domain.NewSessionError(domain.ErrorKindMaxRetriesExceeded, domain.MsgMaxRetriesExceeded)
				break
			}
			s.LastError = domain.NewSessionError(domain.ErrorKindTransientCapacity, domain.MsgServerOverloaded)
			if s.retry == retryNone {
				s.retry = retryBackoff
				fx = s.schedule(fx, cfg.RetryBackoff, func(t uint64) Event { return RetryDue{Token: t} })
			}
		default:
			s.LastError = domain.NewSessionError(domain.ErrorKindPermanentConnection, e.Message)
		}

	case RetryDue:
		if !s.fire(e.Token) {
			return prev, nil
		}
		fx = s.beginRetry(fx, cfg)

	case RejoinDue:
		if !s.fire(e.Token) {
			return prev, nil
		}
		s.retry = retryNone
		if s.Phase == domain.PhaseJoining && !s.joinIssued {
			fx = s.requestJoin(fx)
		}

	case RelayAttached:
		s.relay = true
		if s.joinHeld && s.Phase == domain.PhaseJoining && !s.joinIssued && s.retry == retryNone {
			fx = s.requestJoin(fx)
		}
		return s, fx

	case RelayDetached:
		s.relay = false
		return s, nil

	case ManualRetry:
		if s.retry != retryNone || s.LastError == nil ||
			s.LastError.Kind == domain.ErrorKindMaxRetriesExceeded {
			return prev, nil
		}
		if s.Phase != domain.PhaseJoining && s.Phase != domain.PhaseJoined {
			return prev, nil
		}
		s.RetryCount = 0
		s.LastError = nil
		fx = s.beginRetry(fx, cfg)

	case Disconnect:
		switch s.Phase {
		case domain.PhaseIdle, domain.PhaseLeaving, domain.PhaseLeft:
			return prev, nil
		}
		fx = s.cancelTimer(fx)
		s.retry = retryNone
		s.joinHeld = false
		s.Phase = domain.PhaseLeaving
		if s.invite != inviteNone {
			s.removing = true
			fx = append(fx, RemoveAgent{})
		} else {
			fx = append(fx, LeaveMeeting{})
			fx = s.schedule(fx, cfg.LeaveGrace, func(t uint64) Event { return LeaveGraceElapsed{Token: t} })
		}

	case RemovalFinished:
		if s.Phase != domain.PhaseLeaving || !s.removing {
			return prev, nil
		}
		s.removing = false
		s.invite = inviteNone
		switch agent.Outcome(e.Outcome) {
		case agent.OutcomeRemoved, agent.OutcomeNotFound:
		default:
			s.AgentError = domain.NewSessionError(domain.ErrorKindRemovalFailure, e.Message)
		}
		fx = append(fx, EndMeeting{})
		fx = s.schedule(fx, cfg.LeaveGrace, func(t uint64) Event { return LeaveGraceElapsed{Token: t} })

	case InviteSucceeded:
		if s.invite != invitePending {
			return prev, nil
		}
		s.invite = inviteAccepted
		s.AgentError = nil

	case InviteFailed:
		if s.invite != invitePending {
			return prev, nil
		}
		s.invite = inviteNone
		kind := domain.ErrorKindInviteFailure
		msg := e.Message
		if e.TimedOut {
			kind = domain.ErrorKindTimeout
			msg = "Inviting the agent timed out"
		}
		if msg == "" {
			msg = domain.MsgInviteFailed
		}
		s.AgentError = domain.NewSessionError(kind, msg)

	case RequestInvite:
		if s.Phase != domain.PhaseJoined || s.retry != retryNone || s.invite != inviteNone {
			return prev, nil
		}
		s.invite = invitePending
		s.AgentError = nil
		fx = append(fx, InviteAgent{})

	case ParticipantJoined:
		if !e.Participant.IsAgent() || s.Phase == domain.PhaseIdle || s.Phase == domain.PhaseLeft {
			return prev, nil
		}
		s.AgentParticipantID = e.Participant.ID

	case ParticipantLeft:
		if !e.Participant.IsAgent() || s.AgentParticipantID == "" {
			return prev, nil
		}
		if e.Participant.ID != "" && e.Participant.ID != s.AgentParticipantID {
			return prev, nil
		}
		s.AgentParticipantID = ""
		s.AgentSpeaking = false
		fx = append(fx, StopAgentAudio{})

	case ToggleMic:
		if s.Phase != domain.PhaseJoined || s.retry != retryNone {
			return prev, nil
		}
		s.MicEnabled = !s.MicEnabled
		fx = append(fx, ToggleMicrophone{})

	case AgentSpeaking:
		s.AgentSpeaking = e.Active && s.AgentParticipantID != ""

	default:
		return prev, nil
	}

	if s != prev {
		fx = append(fx, Publish{})
	}
	return s, fx
}

// beginRetry runs the retry procedure: give up at the limit, otherwise count the
// attempt and schedule a rejoin.
func (s *State) beginRetry(fx []Effect, cfg Config) []Effect {
	if s.RetryCount >= cfg.MaxRetries {
		s.retry = retryNone
		s.LastError = domain.NewSessionError(domain.ErrorKindMaxRetriesExceeded, domain.MsgMaxRetriesExceeded)
		return s.cancelTimer(fx)
	}
	s.RetryCount++
	s.LastError = nil
	s.joinIssued = false
	s.joinHeld = false
	s.retry = retryRejoin
	return s.schedule(fx, cfg.RejoinDelay, func(t uint64) Event { return RejoinDue{Token: t} })
}

// requestJoin issues the join, or holds it until a relay is attached.
func (s *State) requestJoin(fx []Effect) []Effect {
	if !s.relay {
		s.joinHeld = true
		return fx
	}
	s.joinIssued = true
	s.joinHeld = false
	return append(fx, JoinMeeting{})
}

func (s *State) finishLeave(fx []Effect) []Effect {
	fx = s.cancelTimer(fx)
	if s.AgentParticipantID != "" || s.AgentSpeaking {
		fx = append(fx, StopAgentAudio{})
	}
	s.Phase = domain.PhaseLeft
	s.retry = retryNone
	s.invite = inviteNone
	s.joinIssued = false
	s.joinHeld = false
	s.removing = false
	s.RetryCount = 0
	s.AgentParticipantID = ""
	s.AgentSpeaking = false
	s.MicEnabled = false
	return append(fx, NotifyDisconnected{})
}

// schedule replaces any pending timer with a new one.
func (s *State) schedule(fx []Effect, d time.Duration, mk func(token uint64) Event) []Effect {
	fx = s.cancelTimer(fx)
	s.lastToken++
	s.timer = s.lastToken
	return append(fx, ScheduleTimer{Token: s.timer, Delay: d, Event: mk(s.timer)})
}

func (s *State) cancelTimer(fx []Effect) []Effect {
	if s.timer == 0 {
		return fx
	}
	token := s.timer
	s.timer = 0
	return append(fx, CancelTimer{Token: token})
}

// fire consumes the pending timer if token matches it.
func (s *State) fire(token uint64) bool {
	if token == 0 || token != s.timer {
		return false
	}
	s.timer = 0
	return true
}

// Machine is a stateful wrapper around Step.
type Machine struct {
	cfg   Config
	state State
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: State{Phase: domain.PhaseIdle}}
}

// Handle applies ev and returns the effects to run.
func (m *Machine) Handle(ev Event) []Effect {
	var fx []Effect
	m.state, fx = Step(m.cfg, m.state, ev)
	return fx
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

package domain

import (
	"math"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    Session
		want Status
	}{
		{"idle", Session{Phase: PhaseIdle}, StatusConnecting},
		{"joining", Session{Phase: PhaseJoining}, StatusConnecting},
		{"retrying", Session{Phase: PhaseRetrying, Invitation: AgentInvitation{Invited: true, Joined: true}}, StatusConnecting},
		{"joined no agent", Session{Phase: PhaseJoined}, StatusConnected},
		{"invited awaiting agent", Session{Phase: PhaseJoined, Invitation: AgentInvitation{Invited: true}}, StatusConnecting},
		{"agent listening", Session{Phase: PhaseJoined, Invitation: AgentInvitation{Invited: true, Joined: true}}, StatusListening},
		{"agent speaking", Session{Phase: PhaseJoined, Invitation: AgentInvitation{Invited: true, Joined: true}, AgentSpeaking: true}, StatusSpeaking},
		{"speaking flag without agent", Session{Phase: PhaseJoined, AgentSpeaking: true}, StatusConnected},
		{"leaving", Session{Phase: PhaseLeaving}, StatusConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveStatus(tt.s); got != tt.want {
				t.Fatalf("DeriveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewAudioSampleClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level   float64
		want    float64
		speaker bool
	}{
		{-0.5, 0, false},
		{math.NaN(), 0, false},
		{0.1, 0.1, false},
		{0.1000001, 0.1000001, true},
		{3, 1, true},
	}

	for _, tt := range tests {
		s := NewAudioSample(tt.level, DefaultSpeakingThreshold, fixedTime)
		if s.Level != tt.want || s.ActiveSpeaker != tt.speaker {
			t.Fatalf("NewAudioSample(%v) = %+v, want level %v speaker %v", tt.level, s, tt.want, tt.speaker)
		}
	}
}

func TestIsTransientCapacity(t *testing.T) {
	t.Parallel()

	if !IsTransientCapacity("Insufficient resources available") {
		t.Fatal("expected capacity error to be transient")
	}
	if IsTransientCapacity("Invalid token") {
		t.Fatal("expected token error not to be transient")
	}
}

func TestSessionErrorDefaults(t *testing.T) {
	t.Parallel()

	if got := NewSessionError(ErrorKindPermanentConnection, "  ").Message; got != MsgConnectionFailed {
		t.Fatalf("unexpected default message %q", got)
	}
	if got := NewSessionError(ErrorKindMaxRetriesExceeded, "").Message; got != MsgMaxRetriesExceeded {
		t.Fatalf("unexpected default message %q", got)
	}
	if got := NewSessionError(ErrorKindTimeout, "").Error(); got != MsgJoinTimedOut {
		t.Fatalf("unexpected default message %q", got)
	}
}

func TestCanRetry(t *testing.T) {
	t.Parallel()

	s := Session{Phase: PhaseJoining, LastError: NewSessionError(ErrorKindPermanentConnection, "boom")}
	if !s.CanRetry() {
		t.Fatal("expected retry to be allowed after a permanent error")
	}
	s.RetryCount = 3
	if !s.CanRetry() {
		t.Fatal("expected manual retry to reset the counter rather than be refused")
	}
	s = Session{Phase: PhaseJoined, LastError: NewSessionError(ErrorKindMaxRetriesExceeded, "")}
	if s.CanRetry() {
		t.Fatal("expected retry to be refused after max retries")
	}
	s = Session{Phase: PhaseRetrying, LastError: NewSessionError(ErrorKindTransientCapacity, "")}
	if s.CanRetry() {
		t.Fatal("expected retry to be refused while retrying")
	}
}

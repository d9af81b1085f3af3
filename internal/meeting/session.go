// Package meeting defines the boundary with the third-party meeting SDK.
package meeting

import (
	"context"

	"github.com/ashureev/agentroom/internal/domain"
)

// Session is the meeting SDK handle for one local participant.
type Session interface {
	// Join enters the meeting. Completion is reported by a MeetingJoined event.
	Join(ctx context.Context) error

	// Leave removes the local participant. Completion is reported by MeetingLeft.
	Leave(ctx context.Context) error

	// End terminates the meeting for everyone.
	End(ctx context.Context) error

	// ToggleMic flips the local microphone.
	ToggleMic(ctx context.Context) error
}

// Stream kinds carried by StreamEnabled and StreamDisabled.
const (
	StreamAudio = "audio"
	StreamVideo = "video"
	StreamShare = "share"
)

// Event is a notification emitted by the meeting SDK.
type Event interface {
	// Name returns the wire name of the event.
	Name() string
}

// MeetingJoined reports that the local participant has entered the meeting.
type MeetingJoined struct {
	LocalParticipantID string
}

// MeetingLeft reports that the local participant is no longer in the meeting.
type MeetingLeft struct{}

// ParticipantJoined reports a remote participant entering the meeting.
type ParticipantJoined struct {
	Participant domain.Participant
}

// ParticipantLeft reports a remote participant leaving the meeting.
type ParticipantLeft struct {
	Participant domain.Participant
}

// Error is an SDK error notification.
type Error struct {
	Message string
}

// StreamEnabled reports a participant publishing a media stream.
type StreamEnabled struct {
	ParticipantID string
	Kind          string
}

// StreamDisabled reports a participant unpublishing a media stream.
type StreamDisabled struct {
	ParticipantID string
	Kind          string
}

func (MeetingJoined) Name() string     { return "meeting_joined" }
func (MeetingLeft) Name() string       { return "meeting_left" }
func (ParticipantJoined) Name() string { return "participant_joined" }
func (ParticipantLeft) Name() string   { return "participant_left" }
func (Error) Name() string             { return "error" }
func (StreamEnabled) Name() string     { return "stream_enabled" }
func (StreamDisabled) Name() string    { return "stream_disabled" }

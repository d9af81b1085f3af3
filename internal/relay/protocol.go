package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/meeting"
)

// Inbound message types sent by the browser.
const (
	TypeMeetingJoined     = "meeting_joined"
	TypeMeetingLeft       = "meeting_left"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeError             = "error"
	TypeStreamEnabled     = "stream_enabled"
	TypeStreamDisabled    = "stream_disabled"
	TypeAudioFormat       = "audio_format"
	TypeAck               = "ack"
	TypePing              = "ping"
)

// Outbound message types sent to the browser.
const (
	TypeCommand = "command"
	TypeStatus  = "status"
	TypePong    = "pong"
)

// Commands carried by TypeCommand messages.
const (
	CommandJoin      = "join"
	CommandLeave     = "leave"
	CommandEnd       = "end"
	CommandToggleMic = "toggle_mic"
)

// ErrUnknownType is returned for a message type that is not a meeting event.
var ErrUnknownType = errors.New("unknown message type")

type participantPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// Role is "agent" when the meeting SDK tags the participant as the agent.
	Role string `json:"role,omitempty"`
}

// inboundMessage is the union of every browser message.
type inboundMessage struct {
	Type string `json:"type"`

	// ack
	ID    uint64 `json:"id,omitempty"`
	Error string `json:"error,omitempty"`

	LocalParticipantID string              `json:"local_participant_id,omitempty"`
	Participant        *participantPayload `json:"participant,omitempty"`
	ParticipantID      string              `json:"participant_id,omitempty"`
	Kind               string              `json:"kind,omitempty"`
	Message            string              `json:"message,omitempty"`
	SampleRate         int                 `json:"sample_rate,omitempty"`
}

type commandMessage struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id"`
	Command string `json:"command"`
}

type statusMessage struct {
	Type    string         `json:"type"`
	Status  domain.Status  `json:"status"`
	Session domain.Session `json:"session"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode relay message: %w", err)
	}
	if msg.Type == "" {
		return msg, errors.New("decode relay message: missing type")
	}
	return msg, nil
}

// DecodeEvent decodes a browser text frame into a meeting event.
func DecodeEvent(data []byte) (meeting.Event, error) {
	msg, err := decodeInbound(data)
	if err != nil {
		return nil, err
	}
	return msg.event()
}

func (m inboundMessage) participant() (domain.Participant, error) {
	if m.Participant == nil || m.Participant.ID == "" {
		return domain.Participant{}, fmt.Errorf("%s: missing participant", m.Type)
	}
	p := domain.Participant{ID: m.Participant.ID, DisplayName: m.Participant.DisplayName}
	if m.Participant.Role == string(domain.RoleAgent) {
		p.Role = domain.RoleAgent
	}
	return p, nil
}

func (m inboundMessage) event() (meeting.Event, error) {
	switch m.Type {
	case TypeMeetingJoined:
		return meeting.MeetingJoined{LocalParticipantID: m.LocalParticipantID}, nil
	case TypeMeetingLeft:
		return meeting.MeetingLeft{}, nil
	case TypeParticipantJoined:
		p, err := m.participant()
		if err != nil {
			return nil, err
		}
		return meeting.ParticipantJoined{Participant: p}, nil
	case TypeParticipantLeft:
		p, err := m.participant()
		if err != nil {
			return nil, err
		}
		return meeting.ParticipantLeft{Participant: p}, nil
	case TypeError:
		return meeting.Error{Message: m.Message}, nil
	case TypeStreamEnabled, TypeStreamDisabled:
		if m.ParticipantID == "" || m.Kind == "" {
			return nil, fmt.Errorf("%s: missing participant_id or kind", m.Type)
		}
		if m.Type == TypeStreamEnabled {
			return meeting.StreamEnabled{ParticipantID: m.ParticipantID, Kind: m.Kind}, nil
		}
		return meeting.StreamDisabled{ParticipantID: m.ParticipantID, Kind: m.Kind}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

package domain

import (
	"math"
	"time"
)

// DefaultSpeakingThreshold is the level above which a participant counts as speaking.
const DefaultSpeakingThreshold = 0.1

// AudioSample is one audio level reading for a participant.
type AudioSample struct {
	Level         float64   `json:"level"`
	ActiveSpeaker bool      `json:"active_speaker"`
	At            time.Time `json:"at"`
}

// NewAudioSample clamps level to [0, 1] and classifies it against threshold.
func NewAudioSample(level, threshold float64, at time.Time) AudioSample {
	switch {
	case math.IsNaN(level), level < 0:
		level = 0
	case level > 1:
		level = 1
	}
	return AudioSample{
		Level:         level,
		ActiveSpeaker: level > threshold,
		At:            at,
	}
}

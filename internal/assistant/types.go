package assistant

import (
	"context"

	"github.com/CabbageLeon/KunPeng/internal/voiceprint"
)

// Recognizer is one streaming recognition session. A session is used once:
// connected, fed audio, and closed; the controller opens a fresh one per
// connection attempt.
type Recognizer interface {
	Connect() error
	SendAudio(pcm []byte) error
	Transcripts() <-chan string
	Errors() <-chan error
	Done() <-chan struct{}
	Close() error
}

// RecognizerFactory builds a fresh recognition session.
type RecognizerFactory func() Recognizer

// SpeakerID identifies and enrolls speakers against a voiceprint group.
type SpeakerID interface {
	CreateGroup(ctx context.Context, groupID, name, info string) error
	CreateFeature(ctx context.Context, groupID, featureID, featureInfo string, pcm []byte) error
	UpdateFeature(ctx context.Context, groupID, featureID, featureInfo string, pcm []byte) error
	QueryFeatureList(ctx context.Context, groupID string) ([]voiceprint.Feature, error)
	SearchFeature(ctx context.Context, groupID string, topK int, pcm []byte) ([]voiceprint.Match, error)
}

// Speaker voices a response and returns once playback has finished.
type Speaker interface {
	Say(ctx context.Context, text string) error
}

// Source yields captured microphone PCM chunks.
type Source interface {
	Chunks() <-chan []byte
}

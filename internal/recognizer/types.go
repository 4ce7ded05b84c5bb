package recognizer

import (
	"context"
	"errors"

	"github.com/secretari/capture-gateway/internal/selector"
)

// ErrUnavailable is returned by a Factory when no recognition backend can
// be created on this host. The session falls back to raw audio capture.
var ErrUnavailable = errors.New("speech recognition not available")

// EventType identifies a recognition event
type EventType int

const (
	EventReady EventType = iota
	EventListening
	EventPartial
	EventFinal
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventListening:
		return "listening"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item in a recognition source's event stream.
//
// A Final event carries the turn's raw candidate set (1-5 hypotheses with
// confidences when the platform provides them). Partial events are
// best-effort and never finalize anything. An Error event carries a
// classified RecognitionError.
type Event struct {
	Type       EventType
	Partial    string
	Candidates []selector.Candidate
	Err        *RecognitionError
}

// Options mirror the platform recognizer knobs the portable core cares about
type Options struct {
	PartialResults   bool // Deliver interim hypotheses
	MaxCandidates    int  // Cap on alternatives per turn (recommend 5)
	MinSpeechMs      int  // Minimum speech length
	EndSilenceMs     int  // End-of-speech silence window
	ConfidenceScores bool // Request per-candidate confidences
}

// DefaultOptions returns the recommended recognition options
func DefaultOptions() Options {
	return Options{
		PartialResults:   true,
		MaxCandidates:    5,
		MinSpeechMs:      500,
		EndSilenceMs:     8000,
		ConfidenceScores: true,
	}
}

// Backend is the platform speech-recognition capability. Listen starts
// the platform recognizer and returns its raw event stream; the channel
// closes when the current turn (or, for continuous backends, the whole
// stream) ends. Implementations are provided by the host environment.
type Backend interface {
	Listen(ctx context.Context, locale string, opts Options) (<-chan Event, error)
	Close() error
}

// Factory is the capability-injection point for recognition backends.
// New returns ErrUnavailable when the host has no usable recognizer.
type Factory interface {
	New(ctx context.Context) (Backend, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc func(ctx context.Context) (Backend, error)

// New calls f
func (f FactoryFunc) New(ctx context.Context) (Backend, error) {
	return f(ctx)
}

// AudioWriter is implemented by backends that receive audio from the
// caller rather than owning a microphone
type AudioWriter interface {
	WriteAudio(data []byte) error
}

package recognizer

import "fmt"

// Reason classifies a recognition error
type Reason int

const (
	// Recoverable: the adapter restarts the turn after a short delay
	ReasonNoSpeech Reason = iota
	ReasonTurnTimeout

	// Fatal: the adapter stops and the session falls back to raw capture
	ReasonAudioDevice
	ReasonClient
	ReasonPermission
	ReasonNetwork
	ReasonNetworkTimeout
	ReasonBusy
	ReasonServer
	ReasonUnavailable
)

// Recoverable reports whether the error should trigger an automatic
// restart rather than ending recognition
func (r Reason) Recoverable() bool {
	switch r {
	case ReasonNoSpeech, ReasonTurnTimeout:
		return true
	default:
		return false
	}
}

func (r Reason) String() string {
	switch r {
	case ReasonNoSpeech:
		return "no_speech"
	case ReasonTurnTimeout:
		return "turn_timeout"
	case ReasonAudioDevice:
		return "audio_device"
	case ReasonClient:
		return "client"
	case ReasonPermission:
		return "permission"
	case ReasonNetwork:
		return "network"
	case ReasonNetworkTimeout:
		return "network_timeout"
	case ReasonBusy:
		return "recognizer_busy"
	case ReasonServer:
		return "server"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Message returns a human-readable description of the reason
func (r Reason) Message() string {
	switch r {
	case ReasonNoSpeech:
		return "no recognition result matched"
	case ReasonTurnTimeout:
		return "no speech input within the timeout period"
	case ReasonAudioDevice:
		return "audio recording error"
	case ReasonClient:
		return "client side error"
	case ReasonPermission:
		return "insufficient permissions"
	case ReasonNetwork:
		return "network error"
	case ReasonNetworkTimeout:
		return "network timeout"
	case ReasonBusy:
		return "recognition service busy"
	case ReasonServer:
		return "server error"
	case ReasonUnavailable:
		return "speech recognition not available"
	default:
		return "unknown error"
	}
}

// RecognitionError is a classified recognition failure
type RecognitionError struct {
	Reason Reason
	Detail string
}

func (e *RecognitionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason.Message(), e.Detail)
	}
	return e.Reason.Message()
}

// NewError creates a classified recognition error
func NewError(reason Reason, detail string) *RecognitionError {
	return &RecognitionError{Reason: reason, Detail: detail}
}

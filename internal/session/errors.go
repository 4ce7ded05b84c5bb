package session

import "fmt"

// FailureKind classifies how a session or exchange ended when it did
// not end cleanly. A session that finishes with an empty transcript is
// a success, not a failure.
type FailureKind int

const (
	FailurePermissionDenied FailureKind = iota
	FailureFatalRecognition
	FailureAudioCapture
	FailureProtocol
)

func (k FailureKind) String() string {
	switch k {
	case FailurePermissionDenied:
		return "permission_denied"
	case FailureFatalRecognition:
		return "fatal_recognition"
	case FailureAudioCapture:
		return "audio_capture"
	case FailureProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// SessionError is the single terminal notification carried by a failed
// session result.
type SessionError struct {
	Kind   FailureKind
	Reason string
}

func (e *SessionError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewSessionError creates a terminal session error
func NewSessionError(kind FailureKind, reason string) *SessionError {
	return &SessionError{Kind: kind, Reason: reason}
}

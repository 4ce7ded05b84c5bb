package summarizer

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies one exchange stream event
type EventType int

const (
	// ExchangePartial carries a streamed token for progressive display;
	// partial text is never written to the record
	ExchangePartial EventType = iota
	// ExchangeResult is the terminal success, emitted after the single
	// record mutation has been applied
	ExchangeResult
	// ExchangeError is the terminal failure; the record is untouched
	// and the caller may retry manually
	ExchangeError
)

// Event is one element of an exchange's outbound stream
type Event struct {
	Type   EventType
	Token  string
	Answer string
	Cost   float64
	Tokens int64
	Err    string
}

// Exchange tracks one summarization request/response cycle. Its
// streamed buffer grows monotonically and exactly one terminal event
// is ever recorded.
type Exchange struct {
	id string

	mu       sync.Mutex
	streamed strings.Builder
	terminal bool
}

// NewExchange creates an exchange with a fresh correlation id
func NewExchange() *Exchange {
	return &Exchange{id: uuid.New().String()}
}

// ID returns the exchange correlation id
func (e *Exchange) ID() string {
	return e.id
}

// AppendToken buffers a streamed token and returns false if the
// exchange has already terminated.
func (e *Exchange) AppendToken(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return false
	}
	e.streamed.WriteString(token)
	return true
}

// Streamed returns the accumulated partial text
func (e *Exchange) Streamed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamed.String()
}

// Terminate marks the exchange finished. Only the first call returns
// true; callers use it to guard the single terminal event.
func (e *Exchange) Terminate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return false
	}
	e.terminal = true
	return true
}

// Terminated reports whether a terminal event has been recorded
func (e *Exchange) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

package recognizer

import (
	"context"
	"sync"
)

// ScriptedBackend replays predetermined turns of events. Each Listen
// call consumes the next turn; when the script is exhausted Listen
// returns ErrUnavailable. It is used by tests and by the "none"
// backend setting.
type ScriptedBackend struct {
	mu     sync.Mutex
	turns  [][]Event
	next   int
	closed bool

	// ListenErrs, when non-nil for a turn index, is returned by Listen
	// instead of replaying that turn
	ListenErrs map[int]error
}

// NewScriptedBackend creates a backend replaying the given turns in order
func NewScriptedBackend(turns ...[]Event) *ScriptedBackend {
	return &ScriptedBackend{turns: turns}
}

func (s *ScriptedBackend) Listen(ctx context.Context, locale string, opts Options) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrUnavailable
	}
	if err, ok := s.ListenErrs[s.next]; ok && err != nil {
		s.next++
		return nil, err
	}
	if s.next >= len(s.turns) {
		return nil, ErrUnavailable
	}

	turn := s.turns[s.next]
	s.next++

	events := make(chan Event, len(turn))
	go func() {
		defer close(events)
		for _, ev := range turn {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (s *ScriptedBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Turns returns how many Listen calls replayed a turn
func (s *ScriptedBackend) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

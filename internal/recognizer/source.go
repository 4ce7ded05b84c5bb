package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/secretari/capture-gateway/internal/observability"
)

// SourceConfig tunes a recognition source adapter
type SourceConfig struct {
	Options      Options
	RestartDelay time.Duration // Delay before restarting after a turn ends
	QueueLen     int           // Bounded event queue size
	Logger       zerolog.Logger
}

// Source adapts a platform Backend into a restartable event stream with
// the session controller as sole consumer. Recoverable errors restart
// the backend after a short delay for as long as the source is running;
// fatal errors are forwarded and end the stream.
type Source struct {
	backend      Backend
	opts         Options
	restartDelay time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	events  chan Event
}

// NewSource creates an adapter around the given backend
func NewSource(backend Backend, cfg SourceConfig) *Source {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 500 * time.Millisecond
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64
	}
	return &Source{
		backend:      backend,
		opts:         cfg.Options,
		restartDelay: cfg.RestartDelay,
		logger:       cfg.Logger,
		events:       make(chan Event, cfg.QueueLen),
	}
}

// Start begins recognition for the given locale. The returned channel is
// closed when the source terminates; it must be drained by exactly one
// consumer.
func (s *Source) Start(ctx context.Context, locale string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("recognition source already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(runCtx, locale)
	return s.events, nil
}

// Stop ends recognition and releases backend resources. It is safe to
// call more than once; cancellation takes effect within one scheduling
// step, including a pending restart delay.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Source) run(ctx context.Context, locale string) {
	defer close(s.events)
	defer s.backend.Close()

	for turn := 0; ; turn++ {
		stream, err := s.backend.Listen(ctx, locale, s.opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			recErr, ok := err.(*RecognitionError)
			if !ok {
				reason := ReasonClient
				if errors.Is(err, ErrUnavailable) {
					reason = ReasonUnavailable
				}
				recErr = NewError(reason, err.Error())
			}
			observability.RecordRecognizerError(recErr.Reason.String())
			s.emit(ctx, Event{Type: EventError, Err: recErr})
			return
		}

		if !s.consumeTurn(ctx, stream) {
			return
		}

		if ctx.Err() != nil {
			return
		}

		// Turn ended without a fatal error; restart for continuous
		// recognition after the (tunable) delay
		observability.RecordRecognizerRestart()
		s.logger.Debug().Int("turn", turn).Dur("delay", s.restartDelay).Msg("Restarting recognition turn")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// consumeTurn forwards one turn's events. It returns false when the
// source must not restart (fatal error or cancellation).
func (s *Source) consumeTurn(ctx context.Context, stream <-chan Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-stream:
			if !ok {
				return true // Turn ended, eligible for restart
			}

			switch ev.Type {
			case EventPartial:
				// Best-effort delivery; drop when the consumer lags
				select {
				case s.events <- ev:
				default:
				}

			case EventError:
				observability.RecordRecognizerError(ev.Err.Reason.String())
				if ev.Err.Reason.Recoverable() {
					// Absorbed: surfaced to the controller for
					// bookkeeping, then the turn restarts
					s.logger.Debug().Str("reason", ev.Err.Reason.String()).Msg("Recoverable recognition error")
					s.emitBestEffort(ev)
					continue
				}
				s.logger.Warn().Str("reason", ev.Err.Reason.String()).Str("detail", ev.Err.Detail).Msg("Fatal recognition error")
				s.emit(ctx, ev)
				return false

			default:
				if !s.emit(ctx, ev) {
					return false
				}
			}
		}
	}
}

// emit delivers an event that must not be lost, blocking until the
// consumer takes it or the source is cancelled
func (s *Source) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Source) emitBestEffort(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

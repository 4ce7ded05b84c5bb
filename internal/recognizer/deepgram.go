package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/resilience"
	"github.com/secretari/capture-gateway/internal/selector"
)

// DeepgramConfig holds the settings for the Deepgram streaming backend
type DeepgramConfig struct {
	APIKey     string
	Model      string
	SampleRate int
	Logger     zerolog.Logger

	BreakerMaxFailures int
	BreakerResetSec    int
	Reconnect          *resilience.ReconnectConfig
}

// deepgramCallback implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (c *deepgramCallback) Message(message *msginterfaces.MessageResponse) error {
	c.handler(message)
	return nil
}

func (c *deepgramCallback) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if c.errorHandler != nil {
		return c.errorHandler(errorResponse)
	}
	return c.DefaultCallbackHandler.Error(errorResponse)
}

// deepgramStream owns the event channel for one Listen call. SDK
// callbacks arrive on the SDK's own goroutines, so every send must
// hold the read lock and check closed; closeStream takes the write
// lock, which excludes in-flight senders, before closing the channel.
type deepgramStream struct {
	ctx    context.Context
	events chan Event

	mu     sync.RWMutex
	closed bool
}

// emit blocks until the event is delivered or the stream ends
func (s *deepgramStream) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// tryEmit drops the event when the buffer is full
func (s *deepgramStream) tryEmit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// DeepgramBackend streams PCM audio to Deepgram and translates its
// messages into recognition events. It implements Backend and
// AudioWriter; audio is fed by the caller over WriteAudio.
type DeepgramBackend struct {
	cfg     DeepgramConfig
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	client   *listenClient.WSCallback
	isActive bool
	cancel   context.CancelFunc
}

// NewDeepgramBackend creates a backend that is not yet connected.
// A connection is established on each Listen call.
func NewDeepgramBackend(cfg DeepgramConfig) *DeepgramBackend {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetSec <= 0 {
		cfg.BreakerResetSec = 30
	}
	return &DeepgramBackend{
		cfg:    cfg,
		logger: cfg.Logger,
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.BreakerMaxFailures,
			time.Duration(cfg.BreakerResetSec)*time.Second,
		),
	}
}

// Listen opens a streaming connection and returns its event channel.
// The channel is closed when the connection ends; a mid-stream failure
// emits a fatal error event first so the session can fall back to raw
// capture.
func (d *DeepgramBackend) Listen(ctx context.Context, locale string, opts Options) (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return nil, fmt.Errorf("deepgram backend is already listening")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       locale,
		Punctuate:      true,
		InterimResults: opts.PartialResults,
		UtteranceEndMs: strconv.Itoa(opts.EndSilenceMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.cfg.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &deepgramStream{ctx: streamCtx, events: make(chan Event, 32)}
	var closeOnce sync.Once
	closeStream := func(err *RecognitionError) {
		closeOnce.Do(func() {
			// Wake any sender blocked in emit before excluding them
			cancel()
			stream.mu.Lock()
			if err != nil {
				select {
				case stream.events <- Event{Type: EventError, Err: err}:
				default:
				}
			}
			stream.closed = true
			close(stream.events)
			stream.mu.Unlock()
			d.mu.Lock()
			d.isActive = false
			d.client = nil
			d.mu.Unlock()
		})
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			d.handleMessage(msg, opts, stream)
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Warn().Interface("response", errorResponse).Msg("Deepgram stream error")
			d.breaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
			select {
			case <-streamCtx.Done():
			default:
				go closeStream(NewError(ReasonNetwork, "deepgram stream failed"))
			}
			return nil
		},
	}

	var client *listenClient.WSCallback
	err := d.breaker.Call(func() error {
		return resilience.Reconnect(streamCtx, func() error {
			c, dialErr := listenClient.NewWSUsingCallback(
				streamCtx,
				d.cfg.APIKey,
				nil, // ClientOptions - nil uses defaults
				tOptions,
				callback,
			)
			if dialErr != nil {
				return dialErr
			}
			client = c
			return nil
		}, d.cfg.Reconnect)
	})
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
	if err != nil {
		cancel()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, NewError(ReasonBusy, "deepgram circuit open")
		}
		return nil, NewError(ReasonNetwork, fmt.Sprintf("failed to connect to Deepgram: %v", err))
	}

	d.client = client
	d.isActive = true
	d.cancel = func() { closeStream(nil) }

	go func() {
		<-streamCtx.Done()
		closeStream(nil)
	}()

	d.logger.Info().Str("model", d.cfg.Model).Str("language", locale).Msg("Deepgram streaming started")
	stream.emit(Event{Type: EventReady})
	return stream.events, nil
}

func (d *DeepgramBackend) handleMessage(msg *msginterfaces.MessageResponse, opts Options, stream *deepgramStream) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata":
		// Connection-level bookkeeping only

	case "SpeechStarted":
		stream.tryEmit(Event{Type: EventListening})

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		if msg.Channel.Alternatives[0].Transcript == "" {
			return
		}

		if !msg.IsFinal {
			if !opts.PartialResults {
				return
			}
			// Interim results are disposable
			stream.tryEmit(Event{Type: EventPartial, Partial: msg.Channel.Alternatives[0].Transcript})
			return
		}

		max := opts.MaxCandidates
		if max <= 0 {
			max = 1
		}
		now := time.Now()
		candidates := make([]selector.Candidate, 0, max)
		for _, alt := range msg.Channel.Alternatives {
			if alt.Transcript == "" {
				continue
			}
			candidates = append(candidates, selector.Candidate{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				Final:      true,
				ObservedAt: now,
			})
			if len(candidates) >= max {
				break
			}
		}
		if len(candidates) == 0 {
			return
		}
		stream.emit(Event{Type: EventFinal, Candidates: candidates})

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Unhandled Deepgram message type")
	}
}

// WriteAudio sends a PCM chunk upstream
func (d *DeepgramBackend) WriteAudio(chunk []byte) error {
	d.mu.RLock()
	active := d.isActive
	client := d.client
	d.mu.RUnlock()

	if !active || client == nil {
		return ErrUnavailable
	}

	if _, err := client.Write(chunk); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Close ends the current stream, if any
func (d *DeepgramBackend) Close() error {
	d.mu.Lock()
	client := d.client
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

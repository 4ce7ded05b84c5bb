package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/audio"
	"github.com/secretari/capture-gateway/internal/observability"
)

// Device is a raw audio sink that records to a file and reports its
// current peak amplitude while recording.
type Device interface {
	// Start begins recording into a destination chosen by the device
	Start() error
	// Amplitude returns the current peak sample amplitude (0..32767)
	Amplitude() (int, error)
	// Stop finishes the recording and returns the destination path
	Stop() (string, error)
}

// EventType identifies a capture lifecycle event
type EventType int

const (
	EventStarted EventType = iota
	EventLevel
	EventStopped
	EventFailed
)

const eventQueueLen = 16

// Event is emitted by a Capturer while a recording is in progress
type Event struct {
	Type     EventType
	LevelDB  float64       // Meaningful for EventLevel
	Path     string        // Meaningful for EventStopped
	Duration time.Duration // Meaningful for EventStopped
	Err      error         // Meaningful for EventFailed
}

// Capturer drives a Device: it polls the amplitude on a fixed interval
// and converts it to dBFS for level events. A session uses it as the
// fallback recorder when speech recognition is unavailable.
type Capturer struct {
	device   Device
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	recording bool
	cancel    context.CancelFunc
	startedAt time.Time
	lastPath  string
	done      chan struct{}
}

// NewCapturer wraps a device with the given amplitude poll interval
func NewCapturer(device Device, interval time.Duration, logger zerolog.Logger) *Capturer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Capturer{
		device:   device,
		interval: interval,
		logger:   logger,
	}
}

// Start begins recording and returns the event stream. The stream is
// closed after the terminal EventStopped or EventFailed.
func (c *Capturer) Start(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		return nil, fmt.Errorf("capture already in progress")
	}

	if err := c.device.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.recording = true
	c.cancel = cancel
	c.startedAt = time.Now()
	c.done = make(chan struct{})

	events := make(chan Event, eventQueueLen)
	go c.run(runCtx, events)

	c.logger.Info().Dur("poll_interval", c.interval).Msg("Fallback capture started")
	return events, nil
}

// Stop ends the recording. It is idempotent; after the first call it
// keeps returning the same recording path.
func (c *Capturer) Stop() (string, error) {
	c.mu.Lock()
	if !c.recording {
		path := c.lastPath
		c.mu.Unlock()
		return path, nil
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPath, nil
}

func (c *Capturer) run(ctx context.Context, events chan Event) {
	defer close(events)
	defer close(c.done)

	events <- Event{Type: EventStarted}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finish(events)
			return
		case <-ticker.C:
			amp, err := c.device.Amplitude()
			if err != nil {
				c.logger.Error().Err(err).Msg("Capture device failed")
				observability.RecordError("amplitude_poll", "capture")
				c.fail(events, err)
				return
			}
			// Meter events are disposable under backpressure
			select {
			case events <- Event{Type: EventLevel, LevelDB: audio.AmplitudeDB(amp)}:
			default:
			}
		}
	}
}

func (c *Capturer) finish(events chan Event) {
	path, err := c.device.Stop()
	duration := time.Since(c.startedAt)

	c.mu.Lock()
	c.recording = false
	c.lastPath = path
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to finalize capture")
		observability.RecordError("finalize", "capture")
		c.emitTerminal(events, Event{Type: EventFailed, Err: err})
		return
	}

	c.logger.Info().Str("path", path).Dur("duration", duration).Msg("Fallback capture stopped")
	c.emitTerminal(events, Event{Type: EventStopped, Path: path, Duration: duration})
}

func (c *Capturer) fail(events chan Event, cause error) {
	path, _ := c.device.Stop()

	c.mu.Lock()
	c.recording = false
	c.lastPath = path
	c.mu.Unlock()

	c.emitTerminal(events, Event{Type: EventFailed, Err: cause})
}

// emitTerminal delivers the final event even when the consumer has
// stopped draining: stale buffered events are evicted to make room so
// the run goroutine can always exit and Stop never blocks on it.
func (c *Capturer) emitTerminal(events chan Event, ev Event) {
	for {
		select {
		case events <- ev:
			return
		default:
		}
		select {
		case <-events:
		default:
		}
	}
}

// Recording reports whether a capture is currently in progress
func (c *Capturer) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

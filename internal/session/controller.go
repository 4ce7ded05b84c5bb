package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/audio"
	"github.com/secretari/capture-gateway/internal/capture"
	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/recognizer"
	"github.com/secretari/capture-gateway/internal/selector"
)

// State is the lifecycle position of a capture session
type State int

const (
	StateIdle State = iota
	StateListening
	StateFallbackRecording
	StateFinalizing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFallbackRecording:
		return "fallback_recording"
	case StateFinalizing:
		return "finalizing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RecognitionSource is the controller's view of a restartable
// recognition stream. *recognizer.Source satisfies it.
type RecognitionSource interface {
	Start(ctx context.Context, locale string) (<-chan recognizer.Event, error)
	Stop()
}

// FallbackRecorder is the controller's view of the raw-audio capturer.
// *capture.Capturer satisfies it.
type FallbackRecorder interface {
	Start(ctx context.Context) (<-chan capture.Event, error)
	Stop() (string, error)
}

// PermissionFunc reports whether audio capture is allowed for this
// caller. A nil func means permission is granted.
type PermissionFunc func() error

// NoteType identifies a progress notification relayed to the caller
type NoteType int

const (
	NoteState NoteType = iota
	NotePartial
	NoteFragment
	NoteLevel
)

// Note is a best-effort progress notification. Terminal outcomes are
// never delivered here; they arrive once on Done().
type Note struct {
	Type    NoteType
	State   State
	Text    string
	LevelDB float64
}

// Result is the session's single terminal report. An empty Transcript
// with a nil Err means nothing was recognized, which is a valid
// outcome distinct from a failure.
type Result struct {
	Transcript  string
	Locale      string
	StartedAt   time.Time
	EndedAt     time.Time
	TimedOut    bool
	FellBack    bool
	CapturePath string
	Err         *SessionError
}

// Config carries the controller tunables
type Config struct {
	Locale          string
	Timeout         time.Duration
	CheckPermission PermissionFunc
	Logger          zerolog.Logger
}

// Controller owns one capture session: it drives the recognition
// source, applies the candidate selector to final candidate sets,
// switches to the fallback recorder on fatal recognition errors, and
// delivers exactly one Result.
type Controller struct {
	id       string
	source   RecognitionSource
	recorder FallbackRecorder
	sel      *selector.Selector
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.SessionMetrics

	mu        sync.Mutex
	state     State
	fragments []string
	startedAt time.Time
	lastAct   time.Time
	cancel    context.CancelFunc

	done  chan Result
	notes chan Note
}

// NewController creates an idle session controller
func NewController(id string, source RecognitionSource, recorder FallbackRecorder, sel *selector.Selector, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	return &Controller{
		id:       id,
		source:   source,
		recorder: recorder,
		sel:      sel,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("session_id", id).Logger(),
		metrics:  observability.NewSessionMetrics(id),
		done:     make(chan Result, 1),
		notes:    make(chan Note, 64),
	}
}

// Start activates the session. It fails immediately when the session
// is already active or capture permission is denied.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("session %s is already active", c.id)
	}
	if c.cfg.CheckPermission != nil {
		if err := c.cfg.CheckPermission(); err != nil {
			return NewSessionError(FailurePermissionDenied, err.Error())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now()
	c.lastAct = c.startedAt
	c.setStateLocked(StateListening)
	c.metrics.RecordSessionStart()

	go c.run(runCtx)

	c.logger.Info().Str("locale", c.cfg.Locale).Dur("timeout", c.cfg.Timeout).Msg("Session started")
	return nil
}

// Stop requests finalization. The terminal Result still arrives on
// Done(); calling Stop more than once is harmless.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done returns the terminal result channel. Exactly one Result is
// delivered per started session.
func (c *Controller) Done() <-chan Result {
	return c.done
}

// Notes returns the best-effort progress stream
func (c *Controller) Notes() <-chan Note {
	return c.notes
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the space-joined accumulated fragments
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.fragments, " ")
}

func (c *Controller) run(ctx context.Context) {
	timeout := time.NewTimer(c.cfg.Timeout)
	defer timeout.Stop()

	srcEvents, err := c.source.Start(ctx, c.cfg.Locale)
	if err != nil {
		// The recognizer is structurally unavailable; record raw audio
		// instead
		c.logger.Warn().Err(err).Msg("Recognition unavailable at start, falling back")
		srcEvents = nil
		capEvents, capErr := c.enterFallback(ctx)
		if capErr != nil {
			c.finalize(Result{Err: NewSessionError(FailureAudioCapture, capErr.Error()), FellBack: true})
			return
		}
		c.loop(ctx, timeout, nil, capEvents)
		return
	}

	c.loop(ctx, timeout, srcEvents, nil)
}

func (c *Controller) loop(ctx context.Context, timeout *time.Timer, srcEvents <-chan recognizer.Event, capEvents <-chan capture.Event) {
	timedOut := false
	fellBack := capEvents != nil

	for {
		select {
		case <-ctx.Done():
			c.finalize(c.result(timedOut, fellBack, nil))
			return

		case <-timeout.C:
			c.logger.Info().Msg("Session timeout reached, finalizing")
			timedOut = true
			c.finalize(c.result(true, fellBack, nil))
			return

		case ev, ok := <-srcEvents:
			if !ok {
				// Source ended without a fatal event; keep whatever
				// was accumulated
				c.finalize(c.result(timedOut, fellBack, nil))
				return
			}
			switch ev.Type {
			case recognizer.EventPartial:
				c.note(Note{Type: NotePartial, Text: ev.Partial})

			case recognizer.EventFinal:
				best, accepted := c.sel.SelectBest(ev.Candidates)
				observability.RecordCandidate(accepted)
				if accepted {
					c.appendFragment(best.Text)
				}

			case recognizer.EventError:
				if ev.Err != nil && ev.Err.Reason.Recoverable() {
					// The source restarts on its own
					c.logger.Debug().Str("reason", ev.Err.Reason.String()).Msg("Recoverable recognition error")
					continue
				}
				reason := "recognition stream failed"
				if ev.Err != nil {
					reason = ev.Err.Error()
				}
				c.logger.Warn().Str("reason", reason).Msg("Fatal recognition error, falling back to raw capture")
				srcEvents = nil
				var capErr error
				capEvents, capErr = c.enterFallback(ctx)
				fellBack = true
				if capErr != nil {
					c.finalize(Result{
						Err:      NewSessionError(FailureAudioCapture, capErr.Error()),
						FellBack: true,
						TimedOut: timedOut,
					})
					return
				}
			}

		case cev, ok := <-capEvents:
			if !ok {
				c.finalize(c.result(timedOut, true, nil))
				return
			}
			switch cev.Type {
			case capture.EventLevel:
				// Amplitude keeps the noise estimate warm even though
				// no text is produced in this mode
				c.sel.Profile().ObserveNoise(audio.UnitFromDB(cev.LevelDB))
				c.note(Note{Type: NoteLevel, LevelDB: cev.LevelDB})

			case capture.EventStopped:
				c.finalize(c.result(timedOut, true, nil))
				return

			case capture.EventFailed:
				reason := "capture device failed"
				if cev.Err != nil {
					reason = cev.Err.Error()
				}
				c.finalize(c.result(timedOut, true, NewSessionError(FailureAudioCapture, reason)))
				return
			}
		}
	}
}

// enterFallback stops recognition and starts the raw recorder. Text
// accumulation is frozen from this point on.
func (c *Controller) enterFallback(ctx context.Context) (<-chan capture.Event, error) {
	c.source.Stop()
	c.setState(StateFallbackRecording)
	c.metrics.RecordFallback()

	if c.recorder == nil {
		return nil, fmt.Errorf("no fallback recorder configured")
	}
	events, err := c.recorder.Start(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Controller) appendFragment(text string) {
	c.mu.Lock()
	c.fragments = append(c.fragments, text)
	c.lastAct = time.Now()
	c.mu.Unlock()
	c.note(Note{Type: NoteFragment, Text: text})
}

func (c *Controller) result(timedOut, fellBack bool, err *SessionError) Result {
	return Result{
		TimedOut: timedOut,
		FellBack: fellBack,
		Err:      err,
	}
}

// finalize releases sources and delivers the terminal result exactly
// once.
func (c *Controller) finalize(r Result) {
	c.setState(StateFinalizing)

	c.source.Stop()
	if r.FellBack && c.recorder != nil {
		if path, err := c.recorder.Stop(); err == nil {
			r.CapturePath = path
		}
	}

	c.mu.Lock()
	r.Transcript = strings.Join(c.fragments, " ")
	r.Locale = c.cfg.Locale
	r.StartedAt = c.startedAt
	r.EndedAt = time.Now()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.setState(StateTerminated)

	outcome := "completed"
	switch {
	case r.Err != nil:
		outcome = r.Err.Kind.String()
	case r.TimedOut:
		outcome = "timed_out"
	case r.FellBack:
		outcome = "fallback"
	}
	c.metrics.RecordSessionEnd(outcome)
	c.logger.Info().
		Str("outcome", outcome).
		Int("transcript_len", len(r.Transcript)).
		Bool("timed_out", r.TimedOut).
		Bool("fell_back", r.FellBack).
		Msg("Session terminated")

	c.done <- r
	close(c.notes)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.notes <- Note{Type: NoteState, State: s}:
	default:
	}
}

func (c *Controller) note(n Note) {
	select {
	case c.notes <- n:
	default:
	}
}

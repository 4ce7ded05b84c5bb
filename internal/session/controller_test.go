package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/capture"
	"github.com/secretari/capture-gateway/internal/recognizer"
	"github.com/secretari/capture-gateway/internal/selector"
)

type fakeRecorder struct {
	mu      sync.Mutex
	started int
	stopped int
	path    string
	events  chan capture.Event
	failure error
}

func newFakeRecorder(path string) *fakeRecorder {
	return &fakeRecorder{path: path}
}

func (f *fakeRecorder) Start(ctx context.Context) (<-chan capture.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return nil, f.failure
	}
	f.started++
	f.events = make(chan capture.Event, 16)
	f.events <- capture.Event{Type: capture.EventStarted}
	return f.events, nil
}

func (f *fakeRecorder) Stop() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped == 0 && f.events != nil {
		close(f.events)
	}
	f.stopped++
	return f.path, nil
}

func (f *fakeRecorder) emit(ev capture.Event) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events <- ev
}

func finalTurn(texts ...string) []recognizer.Event {
	candidates := make([]selector.Candidate, 0, len(texts))
	for _, text := range texts {
		candidates = append(candidates, selector.Candidate{
			Text: text, Confidence: 0.9, Final: true, ObservedAt: time.Now(),
		})
	}
	return []recognizer.Event{{Type: recognizer.EventFinal, Candidates: candidates}}
}

func newSource(backend recognizer.Backend) *recognizer.Source {
	return recognizer.NewSource(backend, recognizer.SourceConfig{
		RestartDelay: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func newController(source RecognitionSource, recorder FallbackRecorder, cfg Config) *Controller {
	sel := selector.NewSelector(selector.NewProfile(0.7, 50))
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	cfg.Logger = zerolog.Nop()
	return NewController("test-session", source, recorder, sel, cfg)
}

func waitResult(t *testing.T, c *Controller) Result {
	t.Helper()
	select {
	case r := <-c.Done():
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for session result")
		return Result{}
	}
}

func drainNotes(c *Controller) {
	go func() {
		for range c.Notes() {
		}
	}()
}

func TestController_AccumulatesFragments(t *testing.T) {
	backend := recognizer.NewScriptedBackend(
		finalTurn("call John"),
		finalTurn("about the meeting"),
	)
	c := newController(newSource(backend), newFakeRecorder(""), Config{})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The script exhausts into an unavailable error, which triggers
	// fallback; stop before asserting
	waitForTranscript(t, c, "call John about the meeting")
	c.Stop()

	r := waitResult(t, c)
	if r.Transcript != "call John about the meeting" {
		t.Errorf("Transcript = %q", r.Transcript)
	}
	if r.Locale != "en-US" {
		t.Errorf("Locale = %q", r.Locale)
	}
}

func waitForTranscript(t *testing.T, c *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Transcript() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Transcript never reached %q, got %q", want, c.Transcript())
}

func TestController_EmptyTranscriptIsSuccess(t *testing.T) {
	backend := recognizer.NewScriptedBackend() // No turns at all
	recorder := newFakeRecorder("/tmp/fallback.pcm")
	c := newController(newSource(backend), recorder, Config{Timeout: 50 * time.Millisecond})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := waitResult(t, c)
	if r.Err != nil {
		t.Errorf("Empty session should not be an error, got %v", r.Err)
	}
	if r.Transcript != "" {
		t.Errorf("Expected empty transcript, got %q", r.Transcript)
	}
}

func TestController_FatalErrorFallsBackOnce(t *testing.T) {
	backend := recognizer.NewScriptedBackend(
		append(finalTurn("before failure"),
			recognizer.Event{Type: recognizer.EventError, Err: recognizer.NewError(recognizer.ReasonAudioDevice, "mic gone")}),
	)
	recorder := newFakeRecorder("/tmp/fallback.pcm")
	c := newController(newSource(backend), recorder, Config{})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the fallback transition, feed a level sample, then stop
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateFallbackRecording && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.State() != StateFallbackRecording {
		t.Fatalf("Never entered fallback, state %v", c.State())
	}
	recorder.emit(capture.Event{Type: capture.EventLevel, LevelDB: -20})
	c.Stop()

	r := waitResult(t, c)
	if !r.FellBack {
		t.Error("Result should report fallback")
	}
	if r.CapturePath != "/tmp/fallback.pcm" {
		t.Errorf("CapturePath = %q", r.CapturePath)
	}
	if r.Transcript != "before failure" {
		t.Errorf("Transcript accumulated before failure must be preserved, got %q", r.Transcript)
	}
	recorder.mu.Lock()
	started := recorder.started
	recorder.mu.Unlock()
	if started != 1 {
		t.Errorf("Recorder should start exactly once, started %d times", started)
	}
}

func TestController_TimeoutPreservesTranscript(t *testing.T) {
	backend := recognizer.NewScriptedBackend(finalTurn("quick note"))
	// Long restart delay keeps the source pending after the first turn
	source := recognizer.NewSource(backend, recognizer.SourceConfig{
		RestartDelay: time.Minute,
		Logger:       zerolog.Nop(),
	})
	c := newController(source, newFakeRecorder(""), Config{Timeout: 100 * time.Millisecond})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := waitResult(t, c)
	if !r.TimedOut {
		t.Error("Result should report timeout")
	}
	if r.Err != nil {
		t.Errorf("Timeout is not a failure, got %v", r.Err)
	}
	if r.Transcript != "quick note" {
		t.Errorf("Transcript = %q", r.Transcript)
	}
}

func TestController_SingleCompletion(t *testing.T) {
	backend := recognizer.NewScriptedBackend(finalTurn("once"))
	c := newController(newSource(backend), newFakeRecorder(""), Config{})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.Stop()
	c.Stop()

	<-c.Done()
	select {
	case r, ok := <-c.Done():
		if ok {
			t.Errorf("Second result delivered: %+v", r)
		}
	case <-time.After(100 * time.Millisecond):
		// No second delivery
	}
	if c.State() != StateTerminated {
		t.Errorf("State = %v after completion", c.State())
	}
}

func TestController_StartWhileActiveFails(t *testing.T) {
	backend := recognizer.NewScriptedBackend(finalTurn("busy"))
	c := newController(newSource(backend), newFakeRecorder(""), Config{})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err == nil {
		t.Error("Second Start should fail while the session is active")
	}
}

func TestController_PermissionDenied(t *testing.T) {
	backend := recognizer.NewScriptedBackend(finalTurn("never"))
	c := newController(newSource(backend), newFakeRecorder(""), Config{
		CheckPermission: func() error { return errors.New("microphone access denied") },
	})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when permission is denied")
	}
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Kind != FailurePermissionDenied {
		t.Errorf("Expected permission denied session error, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Denied session should stay idle, state %v", c.State())
	}
}

func TestController_UnavailableSourceFallsBackAtStart(t *testing.T) {
	backend := recognizer.NewScriptedBackend(finalTurn("unused"))
	source := newSource(backend)
	// Occupy the source so the controller's Start call fails
	if _, err := source.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("Priming start failed: %v", err)
	}

	recorder := newFakeRecorder("/tmp/only-audio.pcm")
	c := newController(source, recorder, Config{})
	drainNotes(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateFallbackRecording && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.State() != StateFallbackRecording {
		t.Fatalf("Expected fallback recording, state %v", c.State())
	}

	c.Stop()
	r := waitResult(t, c)
	if !r.FellBack || r.CapturePath != "/tmp/only-audio.pcm" {
		t.Errorf("Expected fallback result with capture path, got %+v", r)
	}
}

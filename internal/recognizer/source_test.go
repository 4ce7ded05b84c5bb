package recognizer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/selector"
)

func finalEvent(text string, confidence float64) Event {
	return Event{
		Type: EventFinal,
		Candidates: []selector.Candidate{
			{Text: text, Confidence: confidence, Final: true, ObservedAt: time.Now()},
		},
	}
}

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for source to finish, got %d events", len(out))
		}
	}
}

func TestSource_RestartsBetweenTurns(t *testing.T) {
	backend := NewScriptedBackend(
		[]Event{{Type: EventReady}, finalEvent("hello", 0.9)},
		[]Event{finalEvent("world", 0.8)},
	)
	src := NewSource(backend, SourceConfig{
		RestartDelay: time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	events, err := src.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collect(t, events, 2*time.Second)

	var finals []string
	for _, ev := range got {
		if ev.Type == EventFinal {
			finals = append(finals, ev.Candidates[0].Text)
		}
	}
	if len(finals) != 2 || finals[0] != "hello" || finals[1] != "world" {
		t.Errorf("Expected finals [hello world], got %v", finals)
	}
	if backend.Turns() < 2 {
		t.Errorf("Expected at least 2 turns, got %d", backend.Turns())
	}

	// The script is exhausted, so the stream ends with an unavailable error
	last := got[len(got)-1]
	if last.Type != EventError || last.Err.Reason != ReasonUnavailable {
		t.Errorf("Expected trailing unavailable error, got %+v", last)
	}
}

func TestSource_RecoverableErrorRestarts(t *testing.T) {
	backend := NewScriptedBackend(
		[]Event{{Type: EventError, Err: NewError(ReasonNoSpeech, "")}},
		[]Event{finalEvent("after restart", 0.9)},
	)
	src := NewSource(backend, SourceConfig{
		RestartDelay: time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	events, err := src.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collect(t, events, 2*time.Second)

	sawFinal := false
	for _, ev := range got {
		if ev.Type == EventError && !ev.Err.Reason.Recoverable() && ev.Err.Reason != ReasonUnavailable {
			t.Errorf("Unexpected fatal error before restart: %+v", ev.Err)
		}
		if ev.Type == EventFinal {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("Expected a final result after the recoverable error restart")
	}
}

func TestSource_FatalErrorEndsStream(t *testing.T) {
	backend := NewScriptedBackend(
		[]Event{{Type: EventError, Err: NewError(ReasonNetwork, "connection lost")}},
		[]Event{finalEvent("never emitted", 0.9)},
	)
	src := NewSource(backend, SourceConfig{
		RestartDelay: time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	events, err := src.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collect(t, events, 2*time.Second)

	if len(got) == 0 {
		t.Fatal("Expected at least the fatal error event")
	}
	last := got[len(got)-1]
	if last.Type != EventError || last.Err.Reason != ReasonNetwork {
		t.Errorf("Expected trailing network error, got %+v", last)
	}
	for _, ev := range got {
		if ev.Type == EventFinal {
			t.Error("No final results should follow a fatal error")
		}
	}
	if backend.Turns() != 1 {
		t.Errorf("Backend should not restart after a fatal error, got %d turns", backend.Turns())
	}
}

func TestSource_StopCancelsPendingRestart(t *testing.T) {
	backend := NewScriptedBackend(
		[]Event{finalEvent("first", 0.9)},
		[]Event{finalEvent("second", 0.9)},
	)
	src := NewSource(backend, SourceConfig{
		RestartDelay: 10 * time.Second,
		Logger:       zerolog.Nop(),
	})

	events, err := src.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Drain the first turn's final, then stop during the restart delay
	select {
	case ev := <-events:
		if ev.Type != EventFinal {
			t.Fatalf("Expected final event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for first final")
	}

	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()

	src.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not end the stream promptly")
	}
	if backend.Turns() != 1 {
		t.Errorf("Expected 1 turn before stop, got %d", backend.Turns())
	}
}

func TestSource_StartTwiceFails(t *testing.T) {
	backend := NewScriptedBackend([]Event{finalEvent("only", 0.9)})
	src := NewSource(backend, SourceConfig{RestartDelay: time.Millisecond, Logger: zerolog.Nop()})

	if _, err := src.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	if _, err := src.Start(context.Background(), "en-US"); err == nil {
		t.Error("Second Start should fail while the source is running")
	}
	src.Stop()
}

func TestSource_ListenErrorSurfacesFatal(t *testing.T) {
	backend := NewScriptedBackend([]Event{finalEvent("unused", 0.9)})
	backend.ListenErrs = map[int]error{0: NewError(ReasonPermission, "denied")}

	src := NewSource(backend, SourceConfig{RestartDelay: time.Millisecond, Logger: zerolog.Nop()})
	events, err := src.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collect(t, events, 2*time.Second)
	if len(got) != 1 || got[0].Type != EventError || got[0].Err.Reason != ReasonPermission {
		t.Errorf("Expected a single permission error event, got %+v", got)
	}
}

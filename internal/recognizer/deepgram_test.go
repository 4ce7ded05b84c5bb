package recognizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/secretari/capture-gateway/internal/selector"
)

func newTestStream(buffer int) (*deepgramStream, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return &deepgramStream{ctx: ctx, events: make(chan Event, buffer)}, cancel
}

func closeTestStream(s *deepgramStream, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.closed = true
	close(s.events)
	s.mu.Unlock()
}

func TestDeepgramStream_EmitRacingClose(t *testing.T) {
	stream, cancel := newTestStream(1)

	final := Event{Type: EventFinal, Candidates: []selector.Candidate{
		{Text: "hello", Confidence: 0.9, Final: true},
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				stream.emit(final)
				stream.tryEmit(Event{Type: EventPartial, Partial: "hel"})
			}
		}()
	}
	go func() {
		for range stream.events {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	closeTestStream(stream, cancel)

	// Senders still in flight must drain without panicking on the
	// closed channel
	wg.Wait()
}

func TestDeepgramStream_EmitAfterCloseIsDropped(t *testing.T) {
	stream, cancel := newTestStream(4)
	closeTestStream(stream, cancel)

	stream.emit(Event{Type: EventReady})
	stream.tryEmit(Event{Type: EventListening})

	if ev, ok := <-stream.events; ok {
		t.Errorf("Expected a closed empty stream, got %+v", ev)
	}
}

func TestDeepgramStream_BlockedEmitUnblocksOnClose(t *testing.T) {
	stream, cancel := newTestStream(1)
	stream.emit(Event{Type: EventReady}) // Fill the buffer

	released := make(chan struct{})
	go func() {
		stream.emit(Event{Type: EventListening})
		close(released)
	}()

	time.Sleep(5 * time.Millisecond)
	closeTestStream(stream, cancel)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit stayed blocked after the stream closed")
	}
}

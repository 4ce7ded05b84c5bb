package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/capture"
	"github.com/secretari/capture-gateway/internal/config"
	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/recognizer"
	"github.com/secretari/capture-gateway/internal/selector"
	"github.com/secretari/capture-gateway/internal/session"
	"github.com/secretari/capture-gateway/internal/summarizer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin validation is deferred to the deployment's proxy
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// RecordInserter persists finalized transcripts. *store.Store
// satisfies it.
type RecordInserter interface {
	Insert(ctx context.Context, transcript, locale string) (int64, error)
}

// SummaryStreamer runs summarization exchanges. *summarizer.Client
// satisfies it.
type SummaryStreamer interface {
	Send(ctx context.Context, transcript string, prompt summarizer.PromptConfig, target summarizer.Target) (<-chan summarizer.Event, error)
}

// Gateway terminates ingest websocket connections. Each connection
// carries JSON control messages and binary PCM frames and drives at
// most one capture session at a time.
type Gateway struct {
	cfg      *config.Config
	records  RecordInserter
	summary  SummaryStreamer
	backends recognizer.Factory
	logger   zerolog.Logger
}

// New creates an ingest gateway
func New(cfg *config.Config, records RecordInserter, summary SummaryStreamer, backends recognizer.Factory, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		records:  records,
		summary:  summary,
		backends: backends,
		logger:   logger,
	}
}

// clientMessage is the inbound control format
type clientMessage struct {
	Event        string `json:"event"` // start, stop
	Locale       string `json:"locale,omitempty"`
	PromptType   string `json:"prompt_type,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Subscription *bool  `json:"subscription,omitempty"`
}

// serverMessage is the outbound event format
type serverMessage struct {
	Event       string  `json:"event"` // state, partial, transcript, level, stopped, record, summary_token, summary, error
	State       string  `json:"state,omitempty"`
	Text        string  `json:"text,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	Transcript  string  `json:"transcript,omitempty"`
	CapturePath string  `json:"capture_path,omitempty"`
	RecordID    int64   `json:"record_id,omitempty"`
	Token       string  `json:"token,omitempty"`
	Answer      string  `json:"answer,omitempty"`
	Cost        float64 `json:"cost,omitempty"`
	Tokens      int64   `json:"tokens,omitempty"`
	TimedOut    bool    `json:"timed_out,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// streamSession is the per-connection state
type streamSession struct {
	gateway *Gateway
	conn    *websocket.Conn
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	controller *session.Controller
	sink       recognizer.AudioWriter
	recorder   *capture.PCMRecorder
	prompt     summarizer.PromptConfig
	locale     string
	busy       bool // A session (or its summarization tail) is in flight

	done chan struct{}
}

// Handler returns the websocket ingest endpoint
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn().Err(err).Msg("Failed to upgrade ingest connection")
			return
		}
		defer conn.Close()

		correlationID := observability.NewCorrelationID()
		s := &streamSession{
			gateway: g,
			conn:    conn,
			logger:  observability.WithCorrelationID(correlationID),
			done:    make(chan struct{}),
		}
		s.logger.Info().Msg("Ingest connection established")

		s.readLoop(r.Context())

		// Interrupt any session still running when the caller vanishes
		s.mu.Lock()
		controller := s.controller
		s.mu.Unlock()
		if controller != nil {
			controller.Stop()
		}
		s.logger.Info().Msg("Ingest connection closed")
	}
}

func (s *streamSession) readLoop(ctx context.Context) {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Ingest read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.routeAudio(payload)

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.send(serverMessage{Event: "error", Message: "malformed control message"})
				continue
			}
			switch msg.Event {
			case "start":
				s.handleStart(ctx, msg)
			case "stop":
				s.handleStop()
			default:
				s.send(serverMessage{Event: "error", Message: "unknown event " + msg.Event})
			}
		}
	}
}

func (s *streamSession) handleStart(ctx context.Context, msg clientMessage) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.send(serverMessage{Event: "error", Message: "a session is already active"})
		return
	}
	s.busy = true
	s.mu.Unlock()

	cfg := s.gateway.cfg

	locale := msg.Locale
	if locale == "" {
		locale = cfg.DefaultLocale
	}
	promptType := summarizer.PromptType(msg.PromptType)
	if msg.PromptType == "" {
		promptType = summarizer.PromptSummary
	}
	if !promptType.Valid() {
		s.clearBusy()
		s.send(serverMessage{Event: "error", Message: "unknown prompt type " + msg.PromptType})
		return
	}
	subscription := cfg.Subscription
	if msg.Subscription != nil {
		subscription = *msg.Subscription
	}

	backend, err := s.gateway.backends.New(ctx)
	if err != nil {
		s.clearBusy()
		s.send(serverMessage{Event: "error", Message: "recognizer unavailable: " + err.Error()})
		return
	}

	sessionID := uuid.New().String()
	sessionLogger := observability.WithSession(sessionID)

	source := recognizer.NewSource(backend, recognizer.SourceConfig{
		Options: recognizer.Options{
			PartialResults: cfg.PartialResults,
			MaxCandidates:  cfg.MaxCandidates,
			MinSpeechMs:    cfg.MinSpeechMs,
			EndSilenceMs:   cfg.EndSilenceMs,
		},
		RestartDelay: cfg.RestartDelay(),
		QueueLen:     cfg.RecognizerQueueLen,
		Logger:       sessionLogger,
	})

	recorder := capture.NewPCMRecorder(cfg.CaptureDir, cfg.CaptureBufferSize)
	capturer := capture.NewCapturer(recorder, cfg.AmplitudeInterval(), sessionLogger)
	sel := selector.NewSelector(selector.NewProfile(cfg.BaseThreshold, cfg.HistorySize))

	controller := session.NewController(sessionID, source, capturer, sel, session.Config{
		Locale:  locale,
		Timeout: cfg.SessionTimeout(),
		Logger:  sessionLogger,
	})

	if err := controller.Start(ctx); err != nil {
		s.clearBusy()
		s.send(serverMessage{Event: "error", Message: err.Error()})
		return
	}

	sink, _ := backend.(recognizer.AudioWriter)

	s.mu.Lock()
	s.controller = controller
	s.sink = sink
	s.recorder = recorder
	s.locale = locale
	s.prompt = summarizer.PromptConfig{
		Type:         promptType,
		Prompt:       msg.Prompt,
		Subscription: subscription,
		LLM:          cfg.SummarizerLLM,
		Temperature:  cfg.SummarizerTemp,
	}
	s.mu.Unlock()

	go s.relayNotes(controller)
	go s.awaitResult(ctx, controller)
}

func (s *streamSession) handleStop() {
	s.mu.Lock()
	controller := s.controller
	s.mu.Unlock()

	if controller == nil {
		s.send(serverMessage{Event: "error", Message: "no active session"})
		return
	}
	controller.Stop()
}

// routeAudio forwards a PCM frame to whichever sink the session is
// using. Frames arriving between states are dropped silently.
func (s *streamSession) routeAudio(frame []byte) {
	s.mu.Lock()
	controller := s.controller
	sink := s.sink
	recorder := s.recorder
	s.mu.Unlock()

	if controller == nil {
		return
	}

	if controller.State() == session.StateFallbackRecording {
		if recorder != nil {
			if err := recorder.WriteAudio(frame); err != nil {
				s.logger.Debug().Err(err).Msg("Dropped fallback audio frame")
			}
		}
		return
	}

	if sink != nil {
		if err := sink.WriteAudio(frame); err != nil && err != recognizer.ErrUnavailable {
			s.logger.Debug().Err(err).Msg("Dropped recognizer audio frame")
		}
	}
}

func (s *streamSession) relayNotes(controller *session.Controller) {
	for note := range controller.Notes() {
		switch note.Type {
		case session.NoteState:
			s.send(serverMessage{Event: "state", State: note.State.String()})
		case session.NotePartial:
			s.send(serverMessage{Event: "partial", Text: note.Text})
		case session.NoteFragment:
			s.send(serverMessage{Event: "transcript", Text: note.Text})
		case session.NoteLevel:
			s.send(serverMessage{Event: "level", LevelDB: note.LevelDB})
		}
	}
}

// awaitResult waits for the session's terminal result, persists the
// transcript and runs the summarization exchange against it.
func (s *streamSession) awaitResult(ctx context.Context, controller *session.Controller) {
	defer s.clearSession()

	r := <-controller.Done()

	if r.Err != nil {
		s.send(serverMessage{
			Event:      "error",
			Message:    r.Err.Error(),
			Transcript: r.Transcript,
		})
		return
	}

	s.send(serverMessage{
		Event:       "stopped",
		Transcript:  r.Transcript,
		TimedOut:    r.TimedOut,
		CapturePath: r.CapturePath,
	})

	if r.Transcript == "" {
		return
	}

	recordID, err := s.gateway.records.Insert(ctx, r.Transcript, r.Locale)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist transcript")
		s.send(serverMessage{Event: "error", Message: "failed to persist transcript"})
		return
	}
	s.send(serverMessage{Event: "record", RecordID: recordID})

	s.mu.Lock()
	prompt := s.prompt
	s.mu.Unlock()

	events, err := s.gateway.summary.Send(ctx, r.Transcript, prompt, summarizer.Target{
		RecordID: recordID,
		Locale:   r.Locale,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Summarization unavailable")
		s.send(serverMessage{Event: "error", Message: "summarization unavailable", RecordID: recordID})
		return
	}

	for ev := range events {
		switch ev.Type {
		case summarizer.ExchangePartial:
			s.send(serverMessage{Event: "summary_token", Token: ev.Token})
		case summarizer.ExchangeResult:
			s.send(serverMessage{
				Event:    "summary",
				RecordID: recordID,
				Answer:   ev.Answer,
				Cost:     ev.Cost,
				Tokens:   ev.Tokens,
			})
		case summarizer.ExchangeError:
			s.send(serverMessage{Event: "error", Message: ev.Err, RecordID: recordID})
		}
	}
}

func (s *streamSession) clearSession() {
	s.mu.Lock()
	s.controller = nil
	s.sink = nil
	s.recorder = nil
	s.busy = false
	s.mu.Unlock()
}

func (s *streamSession) clearBusy() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *streamSession) send(msg serverMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("Failed to write ingest event")
	}
}

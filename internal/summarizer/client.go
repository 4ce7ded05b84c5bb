package summarizer

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/resilience"
	"github.com/secretari/capture-gateway/internal/store"
)

// RecordMutator applies terminal exchange results to the persisted
// record. *store.Store satisfies it.
type RecordMutator interface {
	AppendSummary(ctx context.Context, id int64, locale, text string) error
	ReplaceChecklist(ctx context.Context, id int64, items []store.ChecklistItem) error
}

// Target names the record an exchange is allowed to mutate
type Target struct {
	RecordID int64
	Locale   string
}

// Config carries the summarization backend settings
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration

	Reconnect          *resilience.ReconnectConfig
	BreakerMaxFailures int
	BreakerResetSec    int
	Logger             zerolog.Logger
}

// Client drives streaming summarization exchanges over a websocket.
// Each Send dials a connection, writes one request, relays streamed
// tokens, and applies exactly one mutation to the target record on a
// terminal result. A dropped connection before the terminal message is
// treated the same as a protocol error: no mutation.
type Client struct {
	cfg     Config
	records RecordMutator
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	dialer  *websocket.Dialer
}

// NewClient creates a summarization client
func NewClient(cfg Config, records RecordMutator) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetSec <= 0 {
		cfg.BreakerResetSec = 30
	}
	return &Client{
		cfg:     cfg,
		records: records,
		logger:  cfg.Logger,
		breaker: resilience.NewCircuitBreaker(
			"summarizer",
			cfg.BreakerMaxFailures,
			time.Duration(cfg.BreakerResetSec)*time.Second,
		),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Send runs one exchange for the given transcript. The returned
// channel carries zero or more partial events followed by exactly one
// terminal event, then closes.
func (c *Client) Send(ctx context.Context, transcript string, prompt PromptConfig, target Target) (<-chan Event, error) {
	if !prompt.Type.Valid() {
		return nil, fmt.Errorf("unknown prompt type %q", prompt.Type)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	req := request{
		Input: requestInput{
			Prompt:       prompt.promptText(),
			PromptType:   string(prompt.Type),
			RawText:      transcript,
			Subscription: prompt.Subscription,
		},
		Parameters: requestParams{
			LLM:         prompt.LLM,
			Temperature: prompt.Temperature,
		},
	}
	if req.Parameters.LLM == "" {
		req.Parameters.LLM = "openai"
	}
	if req.Parameters.Temperature == "" {
		req.Parameters.Temperature = "0.0"
	}

	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send summarization request: %w", err)
	}

	exchange := NewExchange()
	logger := c.logger.With().Str("exchange_id", exchange.ID()).Str("prompt_type", string(prompt.Type)).Logger()
	metrics := observability.NewSessionMetrics(exchange.ID())
	metrics.RecordExchangeStart()

	events := make(chan Event, 32)
	go c.readLoop(ctx, conn, exchange, prompt, target, events, logger, metrics)
	return events, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid summarizer url: %w", err)
	}
	if c.cfg.Token != "" {
		q := target.Query()
		q.Set("token", c.cfg.Token)
		target.RawQuery = q.Encode()
	}

	var conn *websocket.Conn
	err = c.breaker.Call(func() error {
		return resilience.Reconnect(ctx, func() error {
			dialed, _, dialErr := c.dialer.DialContext(ctx, target.String(), nil)
			if dialErr != nil {
				return dialErr
			}
			conn = dialed
			return nil
		}, c.cfg.Reconnect)
	})
	observability.UpdateCircuitBreakerState("summarizer", int(c.breaker.GetState()))
	if err != nil {
		return nil, fmt.Errorf("connect to summarizer: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, exchange *Exchange,
	prompt PromptConfig, target Target, events chan<- Event, logger zerolog.Logger,
	metrics *observability.SessionMetrics) {

	defer close(events)
	defer conn.Close()

	fail := func(reason string) {
		if !exchange.Terminate() {
			return
		}
		logger.Warn().Str("reason", reason).Msg("Summarization exchange failed")
		metrics.RecordExchangeEnd("error", 0)
		events <- Event{Type: ExchangeError, Err: reason}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))

	for {
		select {
		case <-ctx.Done():
			fail("exchange cancelled")
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Indistinguishable from a protocol error before the
			// terminal message
			fail(fmt.Sprintf("connection lost: %v", err))
			return
		}

		msg, err := decodeServerMessage(raw)
		if err != nil {
			fail(fmt.Sprintf("malformed message: %v", err))
			return
		}

		switch msg.Type {
		case "stream":
			if exchange.AppendToken(msg.Data) {
				select {
				case events <- Event{Type: ExchangePartial, Token: msg.Data}:
				default:
					// Display tokens are disposable under backpressure
				}
			}

		case "result":
			if !bool(msg.EOF) {
				// Intermediate result, surfaced for display only
				if exchange.AppendToken(msg.Answer) {
					select {
					case events <- Event{Type: ExchangePartial, Token: msg.Answer}:
					default:
					}
				}
				continue
			}
			c.finish(ctx, exchange, prompt, target, msg, events, logger, metrics)
			return

		case "error":
			reason := msg.Message
			if reason == "" {
				reason = "unknown backend error"
			}
			fail(reason)
			return

		default:
			fail(fmt.Sprintf("unknown message type %q", msg.Type))
			return
		}
	}
}

// finish applies the single terminal mutation and emits the terminal
// result. Cancellation is checked first so a cancelled exchange never
// writes late.
func (c *Client) finish(ctx context.Context, exchange *Exchange, prompt PromptConfig,
	target Target, msg *serverMessage, events chan<- Event, logger zerolog.Logger,
	metrics *observability.SessionMetrics) {

	if !exchange.Terminate() {
		return
	}

	if ctx.Err() != nil {
		logger.Warn().Msg("Exchange cancelled before terminal result, record untouched")
		metrics.RecordExchangeEnd("cancelled", 0)
		events <- Event{Type: ExchangeError, Err: "exchange cancelled"}
		return
	}

	var mutErr error
	switch prompt.Type {
	case PromptChecklist:
		items, parseErr := ExtractChecklist(msg.Answer)
		if parseErr != nil {
			// The exchange itself succeeded; persist an empty
			// checklist rather than losing the terminal state
			logger.Warn().Err(parseErr).Msg("Checklist answer unparseable, applying empty checklist")
			items = nil
		}
		mutErr = c.records.ReplaceChecklist(ctx, target.RecordID, items)
	default:
		mutErr = c.records.AppendSummary(ctx, target.RecordID, target.Locale, msg.Answer)
	}

	if mutErr != nil {
		logger.Error().Err(mutErr).Int64("record_id", target.RecordID).Msg("Terminal mutation failed")
		metrics.RecordExchangeEnd("error", int64(msg.Tokens))
		events <- Event{Type: ExchangeError, Err: fmt.Sprintf("record update failed: %v", mutErr)}
		return
	}

	logger.Info().
		Int64("record_id", target.RecordID).
		Float64("cost", float64(msg.Cost)).
		Int64("tokens", int64(msg.Tokens)).
		Msg("Summarization exchange completed")
	metrics.RecordExchangeEnd("completed", int64(msg.Tokens))
	events <- Event{
		Type:   ExchangeResult,
		Answer: msg.Answer,
		Cost:   float64(msg.Cost),
		Tokens: int64(msg.Tokens),
	}
}

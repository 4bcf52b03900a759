package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/szaher/agentfront/internal/llm"
)

// TurnRecord is the observability record of one completed turn.
type TurnRecord struct {
	CorrelationID string
	SessionID     string
	UserID        string
	Messages      []llm.Message
}

// TurnLogger writes turn records on a background worker. Log never blocks:
// when the buffer is full the record is dropped and reported through onDrop.
type TurnLogger struct {
	logger zerolog.Logger
	ch     chan TurnRecord
	wg     conc.WaitGroup
	onDrop func()

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// TurnLoggerOption configures a TurnLogger.
type TurnLoggerOption func(*TurnLogger)

// WithDropHook sets a callback invoked for every dropped record.
func WithDropHook(fn func()) TurnLoggerOption {
	return func(t *TurnLogger) { t.onDrop = fn }
}

// NewTurnLogger starts a turn logger with the given buffer size.
func NewTurnLogger(logger zerolog.Logger, buffer int, opts ...TurnLoggerOption) *TurnLogger {
	if buffer <= 0 {
		buffer = 256
	}
	t := &TurnLogger{
		logger: logger.With().Str("component", "turnlog").Logger(),
		ch:     make(chan TurnRecord, buffer),
		onDrop: func() {},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Go(t.run)
	return t
}

// Log enqueues rec. It reports whether the record was accepted.
func (t *TurnLogger) Log(rec TurnRecord) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.onDrop()
		return false
	}
	select {
	case t.ch <- rec:
		return true
	default:
		t.onDrop()
		return false
	}
}

func (t *TurnLogger) run() {
	for rec := range t.ch {
		t.write(rec)
	}
}

func (t *TurnLogger) write(rec TurnRecord) {
	for i, m := range rec.Messages {
		t.logger.Info().
			Str("correlation_id", rec.CorrelationID).
			Str("session_id", rec.SessionID).
			Str("user_id", rec.UserID).
			Int("index", i).
			Str("role", string(m.Role)).
			Msg(m.Pretty())
	}
}

// Close stops accepting records and waits for the buffer to drain or ctx to
// end. A panic in the writer is recovered and logged.
func (t *TurnLogger) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.ch)
		t.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		if r := t.wg.WaitAndRecover(); r != nil {
			t.logger.Error().Str("panic", r.String()).Msg("turn log worker panicked")
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

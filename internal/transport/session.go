package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/echolabs/echostream/internal/observe"
	"github.com/echolabs/echostream/pkg/types"
)

// pingMessage is the reserved keep-alive text message the server may send at
// any time; pongMessage is the required immediate answer. They are the only
// non-JSON text messages on the channel.
const (
	pingMessage = "ping"
	pongMessage = "pong"
)

// Event is one delivery on the session's receive stream: either a transcript
// event from the backend or a terminal transport error. Error events are
// always the last delivery before the stream closes.
type Event struct {
	Transcript *types.TranscriptEvent
	Err        error
}

// outFrame pairs a queued frame with its enqueue time for latency tracking.
type outFrame struct {
	frame    types.AudioFrame
	enqueued time.Time
}

// Session is one logical ingest session. It survives wire-level reconnects;
// its identifier, parameters, and event stream are stable for its whole
// lifetime. Created via [Socket.Open]; ended via [Session.Close] or a
// terminal transport error.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg    Config
	params types.SessionParams
	url    string

	events   chan Event
	outbound chan outFrame

	// pendingPongs counts pings not yet answered; pongWake nudges the
	// write loop. A counter rather than a buffered channel: every ping
	// owes exactly one pong, even when writes are stalled.
	pendingPongs atomic.Int64
	pongWake     chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	dropped  atomic.Uint64
	lastSent atomic.Uint64
}

func newSession(cfg Config, params types.SessionParams, wsURL string) *Session {
	return &Session{
		cfg:      cfg,
		params:   params,
		url:      wsURL,
		events:   make(chan Event, 16),
		outbound: make(chan outFrame, cfg.QueueSize),
		pongWake: make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// start hands the freshly dialed connection to the session's supervisor
// goroutine.
func (s *Session) start(conn *websocket.Conn) {
	s.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	go s.run(conn)
}

// ID returns the session continuity identifier.
func (s *Session) ID() string { return s.params.ID }

// Params returns the session's negotiated parameters.
func (s *Session) Params() types.SessionParams { return s.params }

// FramesDropped returns the number of frames evicted from the outbound queue
// under backpressure so far.
func (s *Session) FramesDropped() uint64 { return s.dropped.Load() }

// Events returns the receive stream. It is closed after a deliberate Close
// or after a terminal error event; it is never restarted, even across
// reconnects.
func (s *Session) Events() <-chan Event { return s.events }

// Send queues an audio frame for transmission. It never blocks: when the
// outbound queue is full the oldest unsent frame is dropped and counted,
// preferring freshness over completeness for live audio. Frame bytes are
// owned by the session after Send returns.
//
// Returns [ErrSessionClosed] after Close.
func (s *Session) Send(f types.AudioFrame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	item := outFrame{frame: f, enqueued: time.Now()}
	select {
	case s.outbound <- item:
		s.cfg.Metrics.FramesSent.Add(context.Background(), 1)
		return nil
	default:
	}

	// Queue full: evict the oldest, then retry once. The retry can still
	// lose a race with the write loop; dropping the new frame then is fine.
	select {
	case <-s.outbound:
		s.recordDrop()
	default:
	}
	select {
	case s.outbound <- item:
		s.cfg.Metrics.FramesSent.Add(context.Background(), 1)
	default:
		s.recordDrop()
	}
	return nil
}

func (s *Session) recordDrop() {
	s.dropped.Add(1)
	s.cfg.Metrics.FramesDropped.Add(context.Background(), 1)
}

// Close deliberately ends the session. No reconnection is attempted; pending
// queued frames are abandoned. Synchronous from the caller's point of view:
// once Close returns, no further frame will be written. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.loopDone
	return nil
}

// run supervises wire connections for the session's lifetime: serve one
// connection until it dies, then either stop (deliberate close) or reconnect
// with backoff and continue on the new connection.
func (s *Session) run(conn *websocket.Conn) {
	defer func() {
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		close(s.events)
		close(s.loopDone)
	}()

	for {
		err := s.serve(conn)

		select {
		case <-s.done:
			// Deliberate stop: close the wire cleanly, never reconnect.
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		default:
		}

		slog.Warn("transport connection lost, reconnecting",
			"sid", s.params.ID,
			"error", err,
		)
		conn.CloseNow()

		next, rerr := s.reconnect()
		if rerr != nil {
			s.deliver(Event{Err: rerr})
			// Terminal: later Sends must see the session as closed.
			s.closeOnce.Do(func() { close(s.done) })
			return
		}
		conn = next
	}
}

// serve drives one wire connection: a write loop goroutine plus the read
// loop inline. Returns when the connection fails, goes silent past the
// silence window, or the session is closed.
func (s *Session) serve(conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(connCtx, conn)
	}()
	defer func() { <-writeDone }()

	// A close of s.done must unblock the read below.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-connCtx.Done():
		}
	}()

	return s.readLoop(connCtx, conn)
}

// readLoop receives server messages until the connection dies or stays
// silent past the silence window. Any received traffic counts as liveness.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.SilenceWindow)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return errors.New("connection silent past the silence window")
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		if string(data) == pingMessage {
			// Owe one pong; the write loop answers it before any audio
			// frame queued after this point.
			s.pendingPongs.Add(1)
			select {
			case s.pongWake <- struct{}{}:
			default:
			}
			continue
		}

		var ev types.TranscriptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("transport: discarding unparseable text message",
				"sid", s.params.ID,
				"error", err,
			)
			continue
		}
		if !s.deliver(Event{Transcript: &ev}) {
			return ErrSessionClosed
		}
	}
}

// writeLoop drains owed pongs and the audio queue onto the wire. Pongs take
// priority: every owed pong is written before the next audio frame.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if s.pendingPongs.Load() > 0 {
			if ctx.Err() != nil {
				return
			}
			if !s.writePong(ctx, conn) {
				return
			}
			s.pendingPongs.Add(-1)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.pongWake:
			// Loop back to drain the owed-pong counter.
		case item := <-s.outbound:
			if !s.writeFrame(ctx, conn, item) {
				return
			}
		}
	}
}

func (s *Session) writePong(ctx context.Context, conn *websocket.Conn) bool {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err := conn.Write(wctx, websocket.MessageText, []byte(pongMessage))
	cancel()
	if err != nil {
		return false
	}
	s.cfg.Metrics.PingsAnswered.Add(context.Background(), 1)
	return true
}

func (s *Session) writeFrame(ctx context.Context, conn *websocket.Conn, item outFrame) bool {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err := conn.Write(wctx, websocket.MessageBinary, item.frame.Data)
	cancel()
	if err != nil {
		return false
	}

	// Sequence numbers must leave in assignment order; a skip here means
	// frames were lost upstream or evicted from the queue. Observable,
	// never silent. Assignment starts at 1, so lastSent's zero value
	// catches frames evicted before the first write too.
	if last := s.lastSent.Load(); item.frame.Seq > last+1 {
		s.cfg.Metrics.SequenceGaps.Add(context.Background(), int64(item.frame.Seq-last-1))
	}
	s.lastSent.Store(item.frame.Seq)

	s.cfg.Metrics.SendLatency.Record(context.Background(),
		time.Since(item.enqueued).Seconds())
	return true
}

// reconnect attempts to re-establish the wire connection with exponential
// backoff and full jitter, reusing the session identifier. Gives up after
// MaxRetries consecutive failures with [ErrReconnectExhausted].
func (s *Session) reconnect() (*websocket.Conn, error) {
	backoff := s.cfg.Backoff

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		select {
		case <-s.done:
			return nil, ErrSessionClosed
		default:
		}

		slog.Info("attempting transport reconnection",
			"sid", s.params.ID,
			"attempt", attempt,
			"max_retries", s.cfg.MaxRetries,
		)

		conn, err := s.dial(context.Background())
		if err == nil {
			s.cfg.Metrics.ReconnectAttempts.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("result", "ok")))
			slog.Info("transport reconnected", "sid", s.params.ID, "attempt", attempt)
			return conn, nil
		}
		s.cfg.Metrics.ReconnectAttempts.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("result", "fail")))
		slog.Warn("transport reconnection attempt failed",
			"sid", s.params.ID,
			"attempt", attempt,
			"error", err,
		)

		// Full jitter keeps reconnecting clients from thundering in sync.
		wait := backoff + rand.N(backoff)
		select {
		case <-s.done:
			return nil, ErrSessionClosed
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	return nil, ErrReconnectExhausted
}

// deliver pushes an event to the consumer, aborting on deliberate close.
// Reports whether delivery happened.
func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

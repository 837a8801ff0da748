package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/echolabs/echostream/internal/observe"
	"github.com/echolabs/echostream/internal/ingest/store"
	"github.com/echolabs/echostream/pkg/types"
)

const (
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 5 * time.Second
)

// Config configures a [Server].
type Config struct {
	// Token, when non-empty, is the bearer credential every session must
	// present at socket open.
	Token string

	// PingInterval is how often the server sends the "ping" keep-alive.
	// Defaults to 20 s.
	PingInterval time.Duration

	// Transcriber opens the speech-to-text stream for each session.
	// Required.
	Transcriber Transcriber

	// Store, when non-nil, persists finalized transcript segments.
	Store store.Store

	// Metrics receives ingest instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server accepts EchoStream socket sessions and turns their audio into
// transcript events.
type Server struct {
	cfg      Config
	sessions atomic.Int64

	// token and pingEvery are read per request so they can be swapped at
	// runtime by a config reload. pingEvery is nanoseconds.
	token     atomic.Value
	pingEvery atomic.Int64
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("ingest: Transcriber is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg}
	s.token.Store(cfg.Token)
	s.pingEvery.Store(int64(cfg.PingInterval))
	return s, nil
}

// SetAuthToken replaces the bearer credential checked at socket open. An
// empty token disables authentication. Safe to call while sessions are live.
func (s *Server) SetAuthToken(token string) {
	s.token.Store(token)
}

// SetPingInterval replaces the keep-alive cadence. Applies to sessions opened
// after the call; live sessions keep their current ticker.
func (s *Server) SetPingInterval(d time.Duration) {
	if d <= 0 {
		d = defaultPingInterval
	}
	s.pingEvery.Store(int64(d))
}

// Register adds the listen route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/listen", s.HandleListen)
}

// ActiveSessions returns the number of currently open sessions.
func (s *Server) ActiveSessions() int64 {
	return s.sessions.Load()
}

// sessionParams is the server-side view of the handshake query parameters.
type sessionParams struct {
	types.SessionParams
}

// parseParams validates the handshake query. The codec is negotiated here,
// once for the whole session.
func parseParams(r *http.Request) (sessionParams, error) {
	q := r.URL.Query()

	var p sessionParams
	p.ID = q.Get("sid")
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UID = q.Get("uid")
	if p.UID == "" {
		return p, errors.New("uid is required")
	}
	p.Language = q.Get("language")
	if p.Language == "" {
		p.Language = "en"
	}

	p.Codec = types.Codec(q.Get("codec"))
	if !p.Codec.IsValid() {
		return p, fmt.Errorf("unsupported codec %q", q.Get("codec"))
	}

	p.SampleRate = defaultSampleRate
	if raw := q.Get("sample_rate"); raw != "" {
		sr, err := strconv.Atoi(raw)
		if err != nil || sr <= 0 {
			return p, fmt.Errorf("invalid sample_rate %q", raw)
		}
		p.SampleRate = sr
	}

	p.IncludeSpeechProfile = q.Get("include_speech_profile") == "true"

	if raw := q.Get("conversation_timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return p, fmt.Errorf("invalid conversation_timeout %q", raw)
		}
		p.ConversationTimeout = time.Duration(secs) * time.Second
	}

	return p, nil
}

// HandleListen is the /v1/listen endpoint: it authenticates the caller,
// upgrades to a WebSocket, and runs the session until either side ends it.
func (s *Server) HandleListen(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	params, err := parseParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("ingest: websocket accept failed", "error", err)
		return
	}

	ctx, span := observe.StartSpan(r.Context(), "ingest.session")
	defer span.End()

	log := observe.Logger(ctx).With("sid", params.ID, "uid", params.UID)
	log.Info("session opened",
		"codec", params.Codec,
		"sample_rate", params.SampleRate,
		"language", params.Language,
	)
	s.sessions.Add(1)
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.sessions.Add(-1)
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}()

	err = s.serveSession(ctx, conn, params, log)
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		log.Warn("session ended with error", "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	log.Info("session closed")
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) authorized(r *http.Request) bool {
	want, _ := s.token.Load().(string)
	if want == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == want
}

// serveSession runs one accepted session: frames in, transcript events and
// keep-alive pings out.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, params sessionParams, log *slog.Logger) error {
	decoder, err := newFrameDecoder(params.Codec, params.SampleRate)
	if err != nil {
		return err
	}

	stream, err := s.cfg.Transcriber.NewStream(ctx, StreamConfig{
		SampleRate: params.SampleRate,
		Language:   params.Language,
		Diarize:    params.IncludeSpeechProfile,
	})
	if err != nil {
		return fmt.Errorf("ingest: open transcription stream: %w", err)
	}
	defer stream.Close()

	// audioSeen feeds the conversation-timeout watchdog.
	audioSeen := make(chan struct{}, 1)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.readFrames(ctx, conn, decoder, stream, audioSeen, log)
	})
	g.Go(func() error {
		return s.relayEvents(ctx, conn, stream, params, log)
	})
	g.Go(func() error {
		return s.keepAlive(ctx, conn)
	})
	if params.ConversationTimeout > 0 {
		g.Go(func() error {
			return s.watchConversation(ctx, conn, params.ConversationTimeout, audioSeen, log)
		})
	}

	return g.Wait()
}

// readFrames consumes client messages: binary audio frames are decoded and
// fed to the transcription stream; the text "pong" answer to our keep-alive
// is consumed as liveness; other text is ignored.
func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, decoder frameDecoder, stream Stream, audioSeen chan<- struct{}, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}

		pcm, err := decoder.Decode(data)
		if err != nil {
			// A malformed frame is dropped, never fatal.
			log.Debug("dropping undecodable frame", "error", err)
			continue
		}

		s.cfg.Metrics.FramesIngested.Add(ctx, 1)
		select {
		case audioSeen <- struct{}{}:
		default:
		}

		if err := stream.Write(pcm); err != nil {
			return fmt.Errorf("ingest: forward audio: %w", err)
		}
	}
}

// relayEvents forwards transcription events to the client in emission order
// and persists finalized segments.
func (s *Server) relayEvents(ctx context.Context, conn *websocket.Conn, stream Stream, params sessionParams, log *slog.Logger) error {
	for {
		var ev types.TranscriptEvent
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-stream.Events():
			if !ok {
				return nil
			}
		}

		if err := writeJSONEvent(ctx, conn, ev); err != nil {
			return err
		}

		if ev.IsFinal && !ev.IsSignal() && s.cfg.Store != nil {
			seg := store.Segment{
				SessionID: params.ID,
				UID:       params.UID,
				Speaker:   ev.Speaker,
				Text:      ev.Text,
			}
			if err := s.cfg.Store.SaveSegment(ctx, seg); err != nil {
				// Persistence is best effort; the live stream matters more.
				log.Warn("failed to persist segment", "error", err)
			}
		}
	}
}

// keepAlive sends the reserved "ping" text message on a fixed cadence.
func (s *Server) keepAlive(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(time.Duration(s.pingEvery.Load()))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte("ping"))
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// watchConversation emits a conversation-timeout signal when no audio has
// arrived for the configured window. The session stays open; ending the
// conversation is the client's decision.
func (s *Server) watchConversation(ctx context.Context, conn *websocket.Conn, window time.Duration, audioSeen <-chan struct{}, log *slog.Logger) error {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-audioSeen:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(window)
		case <-timer.C:
			log.Info("conversation timeout reached", "window", window)
			ev := types.TranscriptEvent{Signal: types.SignalConversationTimeout}
			if err := writeJSONEvent(ctx, conn, ev); err != nil {
				return err
			}
			timer.Reset(window)
		}
	}
}

func writeJSONEvent(ctx context.Context, conn *websocket.Conn, ev types.TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ingest: marshal event: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

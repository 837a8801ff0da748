// Package transport maintains the long-lived duplex WebSocket connection
// between the capture client and the ingest backend.
//
// A [Socket] opens [Session] values. A Session outlives individual wire
// connections: on an unexpected close it reconnects with exponential backoff,
// reusing the same session identifier so the backend resumes the conversation
// instead of starting a new one. A deliberate [Session.Close] never
// reconnects.
//
// Audio frames travel client→server as binary messages. The server may send
// the literal text message "ping" at any time; the session answers with a
// text "pong" before any audio frame queued after the ping. All other text
// messages are structured transcript events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/echolabs/echostream/internal/observe"
	"github.com/echolabs/echostream/pkg/types"
)

// Sentinel errors for the transport layer. Callers match with errors.Is.
var (
	// ErrConnectFailed indicates the initial session open could not
	// establish a connection.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrReconnectExhausted indicates the reconnection budget was spent
	// without re-establishing the connection. Terminal for the session.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrSessionClosed indicates an operation on a deliberately closed
	// session.
	ErrSessionClosed = errors.New("transport: session closed")
)

// Default session parameters.
const (
	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultQueueSize     = 256
	defaultSilenceWindow = 30 * time.Second
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
	defaultMaxRetries    = 5
)

// Config configures a [Socket].
type Config struct {
	// URL is the ingest endpoint (e.g. "wss://api.example.com/v1/listen").
	URL string

	// Token is the bearer credential presented at socket open. Optional.
	Token string

	// DialTimeout bounds each connection attempt. Defaults to 10 s.
	DialTimeout time.Duration

	// WriteTimeout bounds each wire write. Defaults to 5 s.
	WriteTimeout time.Duration

	// QueueSize bounds the outbound frame queue. When the queue is full
	// the oldest unsent frame is dropped: live audio prefers freshness
	// over completeness. Defaults to 256.
	QueueSize int

	// SilenceWindow is the longest a connection may stay completely quiet
	// (no events, no pings) before it is treated as stalled and
	// deliberately reconnected. Defaults to 30 s.
	SilenceWindow time.Duration

	// Backoff is the initial reconnection backoff. Doubles each failed
	// attempt up to MaxBackoff, with full jitter added. Defaults to 1 s.
	Backoff time.Duration

	// MaxBackoff caps the reconnection backoff. Defaults to 30 s.
	MaxBackoff time.Duration

	// MaxRetries is the number of consecutive failed reconnection
	// attempts after which the session fails terminally with
	// [ErrReconnectExhausted]. Defaults to 5.
	MaxRetries int

	// Metrics receives transport instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = defaultSilenceWindow
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Socket opens sessions against one ingest endpoint.
type Socket struct {
	cfg Config
}

// New creates a Socket with the given configuration.
func New(cfg Config) *Socket {
	return &Socket{cfg: cfg.withDefaults()}
}

// Open establishes a new session. When params.ID is empty a fresh identifier
// is minted; either way the identifier is reused verbatim across every
// reconnect of the returned session. The ctx governs the initial connection
// attempt only.
//
// A failed initial attempt returns [ErrConnectFailed] without retrying;
// automatic reconnection applies only to sessions that were once live.
func (s *Socket) Open(ctx context.Context, params types.SessionParams) (*Session, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	if !params.Codec.IsValid() {
		return nil, fmt.Errorf("transport: open: invalid codec %q", params.Codec)
	}

	wsURL, err := buildURL(s.cfg.URL, params)
	if err != nil {
		return nil, fmt.Errorf("transport: open: %w", err)
	}

	sess := newSession(s.cfg, params, wsURL)

	conn, err := sess.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	sess.start(conn)
	return sess, nil
}

// buildURL attaches the session parameters to the endpoint as query
// parameters. The codec is negotiated here, once — frames on the wire carry
// no per-frame codec tag.
func buildURL(endpoint string, params types.SessionParams) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	q := u.Query()
	q.Set("sid", params.ID)
	q.Set("uid", params.UID)
	q.Set("language", params.Language)
	q.Set("sample_rate", strconv.Itoa(params.SampleRate))
	q.Set("codec", string(params.Codec))
	if params.IncludeSpeechProfile {
		q.Set("include_speech_profile", "true")
	}
	if params.ConversationTimeout > 0 {
		q.Set("conversation_timeout", strconv.Itoa(int(params.ConversationTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialHeaders builds the handshake headers for the session.
func dialHeaders(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// dial performs one connection attempt.
func (sess *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, sess.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, sess.url, &websocket.DialOptions{
		HTTPHeader: dialHeaders(sess.cfg.Token),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sess.cfg.URL, err)
	}
	return conn, nil
}

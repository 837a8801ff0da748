package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/echolabs/echostream/internal/observe"
	"github.com/echolabs/echostream/pkg/types"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testParams() types.SessionParams {
	return types.SessionParams{
		ID:         "sess-test-1",
		UID:        "user-42",
		Language:   "en",
		SampleRate: 16000,
		Codec:      types.CodecOpus,
	}
}

func recvEvent(t *testing.T, sess *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBuildURL(t *testing.T) {
	params := types.SessionParams{
		ID:                   "abc",
		UID:                  "u1",
		Language:             "de",
		SampleRate:           16000,
		Codec:                types.CodecPCM16,
		IncludeSpeechProfile: true,
		ConversationTimeout:  2 * time.Minute,
	}

	raw, err := buildURL("wss://api.example.com/v1/listen", params)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}

	q := u.Query()
	want := map[string]string{
		"sid":                    "abc",
		"uid":                    "u1",
		"language":               "de",
		"sample_rate":            "16000",
		"codec":                  "pcm16",
		"include_speech_profile": "true",
		"conversation_timeout":   "120",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestOpen_InvalidCodec(t *testing.T) {
	sock := New(Config{URL: "ws://localhost:1/v1/listen"})
	_, err := sock.Open(context.Background(), types.SessionParams{Codec: "mp3"})
	if err == nil {
		t.Fatal("expected error for invalid codec")
	}
}

func TestOpen_DialFailure(t *testing.T) {
	// Nothing listens here; the initial attempt must fail without retrying.
	sock := New(Config{
		URL:         "ws://127.0.0.1:1/v1/listen",
		DialTimeout: 500 * time.Millisecond,
	})
	_, err := sock.Open(context.Background(), testParams())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
}

func TestOpen_MintsSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sid") == "" {
			t.Error("sid query parameter missing")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.Read(r.Context())
	}))
	defer srv.Close()

	params := testParams()
	params.ID = ""
	sock := New(Config{URL: wsURL(srv)})
	sess, err := sock.Open(context.Background(), params)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if sess.ID() == "" {
		t.Error("session ID not minted")
	}
}

func TestSession_SendAndReceive(t *testing.T) {
	frames := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		typ, data, err := conn.Read(r.Context())
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if typ != websocket.MessageBinary {
			t.Errorf("message type = %v, want binary", typ)
		}
		frames <- data

		ev := types.TranscriptEvent{Speaker: "SPEAKER_00", Text: "hello", IsFinal: true}
		payload, _ := json.Marshal(ev)
		if err := conn.Write(r.Context(), websocket.MessageText, payload); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		conn.Read(r.Context())
	}))
	defer srv.Close()

	sock := New(Config{URL: wsURL(srv), Token: "tok-1"})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(types.AudioFrame{Data: []byte{0xAA, 0xBB}, Codec: types.CodecOpus, Seq: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-frames:
		if string(data) != "\xaa\xbb" {
			t.Errorf("server received % x, want aa bb", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}

	ev := recvEvent(t, sess)
	if ev.Transcript == nil {
		t.Fatalf("event = %+v, want transcript", ev)
	}
	if ev.Transcript.Text != "hello" || !ev.Transcript.IsFinal {
		t.Errorf("transcript = %+v", ev.Transcript)
	}
}

func TestSession_AnswersPingBeforeAudio(t *testing.T) {
	order := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		if err := conn.Write(r.Context(), websocket.MessageText, []byte("ping")); err != nil {
			return
		}
		for range 2 {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				order <- string(data)
			} else {
				order <- "audio"
			}
		}
	}))
	defer srv.Close()

	sock := New(Config{URL: wsURL(srv)})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// Give the ping time to land in the pong queue, then send audio. The
	// pong must reach the server first.
	time.Sleep(100 * time.Millisecond)
	if err := sess.Send(types.AudioFrame{Data: []byte{0x01}, Codec: types.CodecOpus, Seq: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []string
	for range 2 {
		select {
		case m := <-order:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out; server saw %v", got)
		}
	}
	if got[0] != "pong" || got[1] != "audio" {
		t.Errorf("server saw %v, want [pong audio]", got)
	}
}

func TestSession_DropOldestUnderBackpressure(t *testing.T) {
	// Exercise the queue directly: without a started write loop nothing
	// drains, so the third frame must evict the first.
	cfg := Config{QueueSize: 2}.withDefaults()
	sess := newSession(cfg, testParams(), "ws://unused")

	for seq := uint64(1); seq <= 3; seq++ {
		if err := sess.Send(types.AudioFrame{Data: []byte{byte(seq)}, Codec: types.CodecOpus, Seq: seq}); err != nil {
			t.Fatalf("Send %d: %v", seq, err)
		}
	}

	if got := sess.FramesDropped(); got != 1 {
		t.Fatalf("FramesDropped = %d, want 1", got)
	}
	first := <-sess.outbound
	second := <-sess.outbound
	if first.frame.Seq != 2 || second.frame.Seq != 3 {
		t.Errorf("queue holds seq %d, %d; want 2, 3", first.frame.Seq, second.frame.Seq)
	}
}

func TestSession_CloseIsDeliberate(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.Read(r.Context())
	}))
	defer srv.Close()

	sock := New(Config{URL: wsURL(srv)})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := sess.Send(types.AudioFrame{Data: []byte{0x01}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after Close = %v, want ErrSessionClosed", err)
	}

	// The stream must end with no error event.
	for ev := range sess.Events() {
		if ev.Err != nil {
			t.Errorf("unexpected error event after deliberate close: %v", ev.Err)
		}
	}

	time.Sleep(200 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect after deliberate close)", got)
	}
}

func TestSession_ReconnectReusesSessionID(t *testing.T) {
	sids := make(chan string, 4)
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		sids <- r.URL.Query().Get("sid")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Kill the first connection abruptly to force a reconnect.
			conn.CloseNow()
			return
		}
		defer conn.CloseNow()
		ev := types.TranscriptEvent{Text: "back", IsFinal: false}
		payload, _ := json.Marshal(ev)
		conn.Write(r.Context(), websocket.MessageText, payload)
		conn.Read(r.Context())
	}))
	defer srv.Close()

	sock := New(Config{URL: wsURL(srv), Backoff: 10 * time.Millisecond})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	ev := recvEvent(t, sess)
	if ev.Transcript == nil || ev.Transcript.Text != "back" {
		t.Fatalf("event after reconnect = %+v", ev)
	}

	first, second := <-sids, <-sids
	if first != second {
		t.Errorf("reconnect changed sid: %q then %q", first, second)
	}
	if first != "sess-test-1" {
		t.Errorf("sid = %q, want sess-test-1", first)
	}
}

func TestSession_ReconnectExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.CloseNow()
	}))

	sock := New(Config{
		URL:         wsURL(srv),
		DialTimeout: 500 * time.Millisecond,
		Backoff:     5 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		MaxRetries:  3,
	})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Every reconnection attempt must now fail.
	srv.Close()

	ev := recvEvent(t, sess)
	if !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("terminal event err = %v, want ErrReconnectExhausted", ev.Err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("event stream still open after terminal error")
	}
	if err := sess.Send(types.AudioFrame{Data: []byte{0x01}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after exhaustion = %v, want ErrSessionClosed", err)
	}
}

func TestSession_SilenceTriggersReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if n >= 2 {
			ev := types.TranscriptEvent{Text: "alive"}
			payload, _ := json.Marshal(ev)
			conn.Write(r.Context(), websocket.MessageText, payload)
		}
		conn.Read(r.Context())
	}))
	defer srv.Close()

	sock := New(Config{
		URL:           wsURL(srv),
		SilenceWindow: 100 * time.Millisecond,
		Backoff:       10 * time.Millisecond,
	})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// The first connection stays silent past the window; the session must
	// reconnect on its own and resume receiving.
	ev := recvEvent(t, sess)
	if ev.Transcript == nil || ev.Transcript.Text != "alive" {
		t.Fatalf("event = %+v, want transcript after silence reconnect", ev)
	}
	if dials.Load() < 2 {
		t.Errorf("dials = %d, want at least 2", dials.Load())
	}
}

func TestSession_PingBurstAnsweredOneForOne(t *testing.T) {
	const pings = 8
	pongs := make(chan struct{}, pings)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		for range pings {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte("ping")); err != nil {
				return
			}
		}
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(data) == "pong" {
				pongs <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	sock := New(Config{URL: wsURL(srv)})
	sess, err := sock.Open(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// Every ping owes a pong, even when they arrive faster than the write
	// loop drains them.
	for got := 0; got < pings; got++ {
		select {
		case <-pongs:
		case <-time.After(5 * time.Second):
			t.Fatalf("server saw %d pongs, want %d", got, pings)
		}
	}
}

func TestSession_EvictionBeforeFirstWriteCountsGap(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := Config{Metrics: m}.withDefaults()
	sess := newSession(cfg, testParams(), wsURL(srv))
	conn, err := sess.dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Frames 1 and 2 were evicted before anything hit the wire; the first
	// frame written is seq 3, a gap of two.
	item := outFrame{
		frame:    types.AudioFrame{Data: []byte{0x01}, Codec: types.CodecOpus, Seq: 3},
		enqueued: time.Now(),
	}
	if !sess.writeFrame(context.Background(), conn, item) {
		t.Fatal("writeFrame failed")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(t, rm, "echostream.sequence.gaps"); got != 2 {
		t.Errorf("sequence gaps = %d, want 2", got)
	}
}

// counterValue sums the data points of a named int64 counter.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

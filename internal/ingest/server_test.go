package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/echolabs/echostream/internal/ingest"
	"github.com/echolabs/echostream/internal/ingest/mock"
	"github.com/echolabs/echostream/internal/ingest/store"
	"github.com/echolabs/echostream/pkg/types"
)

func newTestServer(t *testing.T, cfg ingest.Config) *httptest.Server {
	t.Helper()
	if cfg.Transcriber == nil {
		cfg.Transcriber = &mock.Transcriber{Stream: mock.NewStream()}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	srv, err := ingest.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func listenURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/listen?" + query
}

func dialSession(t *testing.T, ts *httptest.Server, query, token string) *websocket.Conn {
	t.Helper()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(context.Background(), listenURL(ts, query), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readTextMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestListen_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, ingest.Config{Token: "secret"})

	tests := []struct {
		name       string
		query      string
		token      string
		wantStatus int
	}{
		{"missing token", "uid=u1&codec=pcm16", "", http.StatusUnauthorized},
		{"wrong token", "uid=u1&codec=pcm16", "nope", http.StatusUnauthorized},
		{"missing uid", "codec=pcm16", "secret", http.StatusBadRequest},
		{"bad codec", "uid=u1&codec=mp3", "secret", http.StatusBadRequest},
		{"bad sample rate", "uid=u1&codec=pcm16&sample_rate=-1", "secret", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/listen?"+tc.query, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestListen_AudioReachesTranscriber(t *testing.T) {
	stream := mock.NewStream()
	tr := &mock.Transcriber{Stream: stream}
	ts := newTestServer(t, ingest.Config{Transcriber: tr})

	conn := dialSession(t, ts, "sid=s1&uid=u1&codec=pcm16&sample_rate=16000&language=de&include_speech_profile=true", "")

	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	if err := conn.Write(context.Background(), websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, "audio write", func() bool { return len(stream.Written()) == 1 })
	if got := stream.Written()[0]; string(got) != string(pcm) {
		t.Errorf("transcriber got % x, want % x", got, pcm)
	}

	// The stream config mirrors the negotiated session parameters.
	cfgs := tr.ConfigsSnapshot()
	if len(cfgs) != 1 {
		t.Fatalf("streams opened = %d, want 1", len(cfgs))
	}
	if cfgs[0].SampleRate != 16000 || cfgs[0].Language != "de" || !cfgs[0].Diarize {
		t.Errorf("stream config = %+v", cfgs[0])
	}
}

func TestListen_EventsRelayedAndPersisted(t *testing.T) {
	stream := mock.NewStream()
	st := store.NewMemStore()
	ts := newTestServer(t, ingest.Config{
		Transcriber: &mock.Transcriber{Stream: stream},
		Store:       st,
	})

	conn := dialSession(t, ts, "sid=s1&uid=u1&codec=pcm16", "")

	stream.Emit(types.TranscriptEvent{Speaker: "SPEAKER_00", Text: "partial", IsFinal: false})
	stream.Emit(types.TranscriptEvent{Speaker: "SPEAKER_00", Text: "hello world", IsFinal: true})

	var first, second types.TranscriptEvent
	if err := json.Unmarshal([]byte(readTextMessage(t, conn)), &first); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal([]byte(readTextMessage(t, conn)), &second); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if first.Text != "partial" || first.IsFinal {
		t.Errorf("first event = %+v", first)
	}
	if second.Text != "hello world" || !second.IsFinal {
		t.Errorf("second event = %+v", second)
	}

	// Only the final segment is persisted.
	waitFor(t, "persisted segment", func() bool {
		segs, err := st.SessionSegments(context.Background(), "s1")
		return err == nil && len(segs) == 1
	})
	segs, _ := st.SessionSegments(context.Background(), "s1")
	if segs[0].Text != "hello world" || segs[0].UID != "u1" {
		t.Errorf("stored segment = %+v", segs[0])
	}
}

func TestListen_ServerSendsPings(t *testing.T) {
	ts := newTestServer(t, ingest.Config{
		Transcriber:  &mock.Transcriber{Stream: mock.NewStream()},
		PingInterval: 50 * time.Millisecond,
	})

	conn := dialSession(t, ts, "uid=u1&codec=opus", "")

	if got := readTextMessage(t, conn); got != "ping" {
		t.Fatalf("first text message = %q, want ping", got)
	}

	// Answering pong keeps the session healthy; the next ping still comes.
	if err := conn.Write(context.Background(), websocket.MessageText, []byte("pong")); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	if got := readTextMessage(t, conn); got != "ping" {
		t.Fatalf("second text message = %q, want ping", got)
	}
}

func TestListen_ConversationTimeoutSignal(t *testing.T) {
	ts := newTestServer(t, ingest.Config{
		Transcriber: &mock.Transcriber{Stream: mock.NewStream()},
	})

	conn := dialSession(t, ts, "uid=u1&codec=pcm16&conversation_timeout=1", "")

	var ev types.TranscriptEvent
	if err := json.Unmarshal([]byte(readTextMessage(t, conn)), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Signal != types.SignalConversationTimeout {
		t.Errorf("signal = %q, want conversation_timeout", ev.Signal)
	}
	if !ev.IsSignal() {
		t.Error("event not recognised as signal")
	}
}

func TestListen_MalformedFrameDropped(t *testing.T) {
	stream := mock.NewStream()
	ts := newTestServer(t, ingest.Config{Transcriber: &mock.Transcriber{Stream: stream}})

	conn := dialSession(t, ts, "uid=u1&codec=pcm16", "")

	// Odd-length PCM is undecodable; the session keeps going.
	conn.Write(context.Background(), websocket.MessageBinary, []byte{0x01})
	conn.Write(context.Background(), websocket.MessageBinary, []byte{0x01, 0x00})

	waitFor(t, "valid frame only", func() bool { return len(stream.Written()) == 1 })
	if got := stream.Written()[0]; len(got) != 2 {
		t.Errorf("forwarded frame = % x", got)
	}
}

func TestListen_ClientCloseEndsStream(t *testing.T) {
	stream := mock.NewStream()
	ts := newTestServer(t, ingest.Config{Transcriber: &mock.Transcriber{Stream: stream}})

	conn := dialSession(t, ts, "uid=u1&codec=pcm16", "")
	conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, "stream close", stream.Closed)
}

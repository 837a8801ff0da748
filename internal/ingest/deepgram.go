package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/echolabs/echostream/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
	defaultDGLanguage = "en"
	streamEventBuffer = 64
	streamAudioBuffer = 256
)

// DeepgramOption is a functional option for configuring [DeepgramTranscriber].
type DeepgramOption func(*DeepgramTranscriber)

// WithModel sets the Deepgram recognition model (e.g. "nova-3", "base").
func WithModel(model string) DeepgramOption {
	return func(d *DeepgramTranscriber) {
		d.model = model
	}
}

// WithEndpoint overrides the Deepgram streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) DeepgramOption {
	return func(d *DeepgramTranscriber) {
		d.endpoint = endpoint
	}
}

// DeepgramTranscriber implements [Transcriber] backed by the Deepgram
// streaming WebSocket API.
type DeepgramTranscriber struct {
	apiKey   string
	model    string
	endpoint string
}

// Compile-time interface check.
var _ Transcriber = (*DeepgramTranscriber)(nil)

// NewDeepgramTranscriber creates a Deepgram-backed transcriber. apiKey must
// be non-empty.
func NewDeepgramTranscriber(apiKey string, opts ...DeepgramOption) (*DeepgramTranscriber, error) {
	if apiKey == "" {
		return nil, errors.New("ingest: deepgram api key must not be empty")
	}
	d := &DeepgramTranscriber{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// NewStream implements [Transcriber].
func (d *DeepgramTranscriber) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("ingest: deepgram url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: deepgram dial: %w", err)
	}

	s := &deepgramStream{
		conn:   conn,
		events: make(chan types.TranscriptEvent, streamEventBuffer),
		audio:  make(chan []byte, streamAudioBuffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (d *DeepgramTranscriber) buildURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultDGLanguage
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", d.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResult is the relevant slice of a Deepgram Results message.
type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// deepgramStream is one live Deepgram session implementing [Stream].
type deepgramStream struct {
	conn   *websocket.Conn
	events chan types.TranscriptEvent
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Write implements [Stream].
func (s *deepgramStream) Write(pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("ingest: deepgram stream closed")
	default:
	}
	select {
	case s.audio <- pcm:
		return nil
	case <-s.done:
		return errors.New("ingest: deepgram stream closed")
	}
}

// Events implements [Stream].
func (s *deepgramStream) Events() <-chan types.TranscriptEvent { return s.events }

// Close implements [Stream]. Sends the CloseStream control message so
// Deepgram flushes pending audio before the connection drops.
func (s *deepgramStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *deepgramStream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *deepgramStream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		ev, ok := parseDeepgramResult(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

// parseDeepgramResult converts a raw Deepgram message to a transcript event.
// Non-Results messages and empty transcripts are skipped.
func parseDeepgramResult(data []byte) (types.TranscriptEvent, bool) {
	var res deepgramResult
	if err := json.Unmarshal(data, &res); err != nil {
		return types.TranscriptEvent{}, false
	}
	if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
		return types.TranscriptEvent{}, false
	}
	alt := res.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return types.TranscriptEvent{}, false
	}

	speaker := "SPEAKER_00"
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		speaker = fmt.Sprintf("SPEAKER_%02d", *alt.Words[0].Speaker)
	}

	return types.TranscriptEvent{
		Speaker: speaker,
		Text:    alt.Transcript,
		IsFinal: res.IsFinal,
	}, true
}

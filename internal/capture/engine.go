// Package capture orchestrates the audio pipeline: it owns the recording
// state machine, drives device links, decodes raw link bytes into frames,
// and feeds them to the transport session.
//
// An [Engine] is single-writer: every state transition runs under one mutex,
// so the transition table is total and race-free even though the underlying
// streams (audio bytes, button events, transport events) run concurrently.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/echolabs/echostream/internal/observe"
	"github.com/echolabs/echostream/internal/transport"
	"github.com/echolabs/echostream/pkg/device"
	"github.com/echolabs/echostream/pkg/frame"
	"github.com/echolabs/echostream/pkg/types"
)

// State is the engine's recording state. Exactly one Engine owns the current
// value; it is the single source of truth for "should audio currently flow".
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateCapturingDevice
	StateCapturingHostMic
	StateCapturingSystemAudio
	StatePaused
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateCapturingDevice:
		return "CAPTURING_DEVICE"
	case StateCapturingHostMic:
		return "CAPTURING_HOST_MIC"
	case StateCapturingSystemAudio:
		return "CAPTURING_SYSTEM_AUDIO"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// capturing reports whether s is one of the actively-capturing states.
func (s State) capturing() bool {
	switch s {
	case StateCapturingDevice, StateCapturingHostMic, StateCapturingSystemAudio:
		return true
	}
	return false
}

// State-machine errors. All reject the requested transition without mutating
// state; callers match with errors.Is.
var (
	// ErrAlreadyActive rejects a start while a capture is already active.
	// Prevents double-starts and the duplicate sessions they would create.
	ErrAlreadyActive = errors.New("capture: already active")

	// ErrInvalidTransition rejects pause/resume from a state where they
	// are undefined.
	ErrInvalidTransition = errors.New("capture: invalid transition")

	// ErrStopped is returned from a start call that was preempted by a
	// concurrent Stop while still initializing.
	ErrStopped = errors.New("capture: stopped during initialization")

	// ErrLinkClosed indicates the device link terminated on its own while
	// a capture was active.
	ErrLinkClosed = errors.New("capture: device link closed")
)

// Session is the slice of a transport session the engine needs. Satisfied by
// [transport.Session].
type Session interface {
	Send(types.AudioFrame) error
	Events() <-chan transport.Event
	Close() error
	ID() string
}

// OpenSessionFunc opens a transport session for one capture.
type OpenSessionFunc func(ctx context.Context, params types.SessionParams) (Session, error)

// SocketOpener adapts a [transport.Socket] to [OpenSessionFunc].
func SocketOpener(sock *transport.Socket) OpenSessionFunc {
	return func(ctx context.Context, params types.SessionParams) (Session, error) {
		return sock.Open(ctx, params)
	}
}

// HostSource opens links for the host's own audio. Satisfied by
// [host.Source].
type HostSource interface {
	OpenMic(ctx context.Context) (device.Link, error)
	OpenSystemAudio(ctx context.Context) (device.Link, error)
}

// Event is one delivery on the engine's event stream: a transcript relayed
// from the backend, an auxiliary device signal, or a terminal capture error.
// Exactly one field is set per event.
type Event struct {
	Transcript *types.TranscriptEvent
	Button     *device.ButtonAction
	Battery    *device.BatteryLevel

	// Backlog is an on-device storage backlog reading in bytes, relayed
	// from links whose device advertises the storage feature.
	Backlog *uint32

	Err error
}

// Config configures an [Engine]. OpenSession is required; Connector and Host
// may each be nil when the corresponding capture modes are unused.
type Config struct {
	// Connector establishes wearable links for StartDevice.
	Connector device.Connector

	// Host opens mic and system-audio links for StartHostMic and
	// StartSystemAudio.
	Host HostSource

	// OpenSession opens the transport session when a capture starts.
	OpenSession OpenSessionFunc

	// Session is the parameter template for opened sessions. SampleRate
	// and Codec are overwritten per capture from the device family.
	Session types.SessionParams

	// Metrics receives pipeline instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine is the capture state machine. Create with [New]; a zero Engine is
// not usable.
//
// All methods are safe for concurrent use, but transitions are serialized:
// concurrent starts race for the single Idle slot and the losers are
// rejected with [ErrAlreadyActive].
type Engine struct {
	cfg Config

	mu       sync.Mutex
	state    State
	resumeTo State
	lastErr  error
	link     device.Link
	sess     Session
	stopCh   chan struct{}

	gen    atomic.Uint64
	paused atomic.Bool
	seq    frame.Sequencer

	events chan Event
}

// New creates an Engine. Consumers must drain [Engine.Events]; an undrained
// stream eventually blocks relay of transcripts and device signals.
func New(cfg Config) (*Engine, error) {
	if cfg.OpenSession == nil {
		return nil, errors.New("capture: OpenSession is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Engine{
		cfg:    cfg,
		events: make(chan Event, 32),
	}, nil
}

// State returns the current recording state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the most recent terminal error, or nil. Cleared by the
// next successful start.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Events returns the engine's event stream. It spans captures; it is never
// closed for the life of the engine.
func (e *Engine) Events() <-chan Event { return e.events }

// StartDevice connects to the described wearable and begins capturing from
// it. Only legal from Idle; rejected with [ErrAlreadyActive] otherwise. The
// engine passes through Initializing while the link connects; a connect
// failure returns to Idle with the link error surfaced to the caller.
func (e *Engine) StartDevice(ctx context.Context, desc device.Descriptor) error {
	if e.cfg.Connector == nil {
		return errors.New("capture: no device connector configured")
	}
	if !desc.Family.IsValid() {
		return fmt.Errorf("capture: unknown device family %q", desc.Family)
	}

	myGen, err := e.enterInitializing()
	if err != nil {
		return err
	}

	link, err := e.cfg.Connector.Connect(ctx, desc)
	if err != nil {
		e.abortInitializing(myGen, err)
		return fmt.Errorf("capture: connect %s: %w", desc.Address, err)
	}

	return e.begin(ctx, myGen, link, desc.Family, StateCapturingDevice)
}

// StartHostMic begins capturing from the host microphone. Only legal from
// Idle.
func (e *Engine) StartHostMic(ctx context.Context) error {
	return e.startHost(ctx, StateCapturingHostMic)
}

// StartSystemAudio begins capturing the host's system audio loopback.
// Desktop only; fails with [device.ErrUnsupported] where the audio backend
// has no loopback. Only legal from Idle.
func (e *Engine) StartSystemAudio(ctx context.Context) error {
	return e.startHost(ctx, StateCapturingSystemAudio)
}

func (e *Engine) startHost(ctx context.Context, target State) error {
	if e.cfg.Host == nil {
		return errors.New("capture: no host source configured")
	}

	myGen, err := e.enterInitializing()
	if err != nil {
		return err
	}

	var (
		link   device.Link
		family device.Family
	)
	if target == StateCapturingSystemAudio {
		family = device.FamilySystemAudio
		link, err = e.cfg.Host.OpenSystemAudio(ctx)
	} else {
		family = device.FamilyHostMic
		link, err = e.cfg.Host.OpenMic(ctx)
	}
	if err != nil {
		e.abortInitializing(myGen, err)
		return fmt.Errorf("capture: open %s: %w", family, err)
	}

	return e.begin(ctx, myGen, link, family, target)
}

// enterInitializing claims the single Idle slot.
func (e *Engine) enterInitializing() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return 0, fmt.Errorf("%w: state is %s", ErrAlreadyActive, e.state)
	}
	e.state = StateInitializing
	e.lastErr = nil
	return e.gen.Load(), nil
}

// abortInitializing records a failed start, unless a concurrent Stop already
// reset the machine.
func (e *Engine) abortInitializing(myGen uint64, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen.Load() != myGen {
		return
	}
	e.state = StateIdle
	e.lastErr = cause
}

// begin opens the transport session and moves the machine into the target
// capturing state, spawning the per-capture stream goroutines.
func (e *Engine) begin(ctx context.Context, myGen uint64, link device.Link, family device.Family, target State) error {
	if e.gen.Load() != myGen {
		link.Disconnect()
		return ErrStopped
	}

	spec, _ := family.Spec()
	params := e.cfg.Session
	params.SampleRate = spec.SampleRate
	params.Codec = spec.Codec

	sess, err := e.cfg.OpenSession(ctx, params)
	if err != nil {
		link.Disconnect()
		e.abortInitializing(myGen, err)
		return fmt.Errorf("capture: open session: %w", err)
	}

	e.mu.Lock()
	if e.gen.Load() != myGen || e.state != StateInitializing {
		e.mu.Unlock()
		link.Disconnect()
		sess.Close()
		return ErrStopped
	}
	e.state = target
	e.link = link
	e.sess = sess
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.paused.Store(false)
	e.seq.Reset()
	e.mu.Unlock()

	e.cfg.Metrics.ActiveLinks.Add(context.Background(), 1)
	slog.Info("capture started",
		"state", target,
		"family", family,
		"sid", sess.ID(),
		"codec", params.Codec,
	)

	go e.pump(myGen, link, sess, family)
	go e.relayTransport(myGen, sess)
	if ch := link.ButtonEvents(); ch != nil {
		go e.relayButtons(ch)
	}
	if ch := link.BatteryLevel(); ch != nil {
		go e.relayBattery(ch)
	}
	if sr, ok := link.(device.StorageReporter); ok {
		if ch := sr.StorageBacklog(); ch != nil {
			go e.relayBacklog(ch)
		}
	}
	go e.watchStall(myGen, link, stopCh)

	return nil
}

// Pause stops forwarding frames while keeping both the device link and the
// transport session open. Only legal from a capturing state.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.capturing() {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, e.state)
	}
	e.resumeTo = e.state
	e.state = StatePaused
	e.paused.Store(true)
	slog.Info("capture paused", "resume_to", e.resumeTo)
	return nil
}

// Resume restores the capturing state Pause left. Only legal from Paused.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, e.state)
	}
	e.state = e.resumeTo
	e.paused.Store(false)
	slog.Info("capture resumed", "state", e.state)
	return nil
}

// Stop deliberately ends the current capture: the device link and the
// transport session are both closed, and no automatic reconnection occurs.
// Once Stop returns, no further frame will be sent. Safe from any state;
// a Stop from Idle is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	link, sess := e.teardownLocked()
	e.mu.Unlock()

	e.closeCapture(link, sess)
	slog.Info("capture stopped")
	return nil
}

// teardownLocked resets the machine to Idle and invalidates the current
// generation so in-flight goroutines and starts stand down. Caller holds mu;
// returned link/session must be closed after unlocking.
func (e *Engine) teardownLocked() (device.Link, Session) {
	e.gen.Add(1)
	e.paused.Store(false)
	link, sess := e.link, e.sess
	e.link, e.sess = nil, nil
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.state = StateIdle
	return link, sess
}

func (e *Engine) closeCapture(link device.Link, sess Session) {
	if link != nil {
		if err := link.Disconnect(); err != nil {
			slog.Warn("capture: link disconnect failed", "error", err)
		}
		e.cfg.Metrics.ActiveLinks.Add(context.Background(), -1)
	}
	if sess != nil {
		sess.Close()
	}
}

// fail handles an asynchronous failure (link stall, link drop, transport
// exhaustion): return to Idle, close what remains, and surface the error on
// the event stream. Stale generations are ignored, so a failure that races a
// deliberate Stop resolves to the Stop.
func (e *Engine) fail(myGen uint64, cause error) {
	e.mu.Lock()
	if e.gen.Load() != myGen {
		e.mu.Unlock()
		return
	}
	link, sess := e.teardownLocked()
	e.lastErr = cause
	e.mu.Unlock()

	e.closeCapture(link, sess)
	slog.Error("capture failed", "error", cause)
	e.emit(Event{Err: cause})
}

// pump drains the link's audio stream through the frame decoder into the
// session. Runs until the link closes, the capture is torn down, or the
// session refuses the send.
func (e *Engine) pump(myGen uint64, link device.Link, sess Session, family device.Family) {
	for raw := range link.AudioBytes() {
		if e.gen.Load() != myGen {
			return
		}

		f, ok := frame.Decode(raw, family)
		if !ok {
			e.cfg.Metrics.DecodeDrops.Add(context.Background(), 1)
			continue
		}
		if e.paused.Load() {
			continue
		}

		f.Seq = e.seq.Next()
		if err := sess.Send(f); err != nil {
			return
		}
	}

	// Audio stream closed underneath us. After a deliberate Stop the
	// generation has moved on and fail is a no-op; otherwise the link
	// died on its own.
	e.fail(myGen, ErrLinkClosed)
}

// relayTransport forwards backend events to the engine's consumer. A
// terminal transport error ends the capture.
func (e *Engine) relayTransport(myGen uint64, sess Session) {
	for ev := range sess.Events() {
		if ev.Err != nil {
			e.fail(myGen, ev.Err)
			return
		}
		if ev.Transcript != nil {
			e.emit(Event{Transcript: ev.Transcript})
		}
	}
}

func (e *Engine) relayButtons(ch <-chan device.ButtonAction) {
	for action := range ch {
		e.emit(Event{Button: &action})
	}
}

func (e *Engine) relayBattery(ch <-chan device.BatteryLevel) {
	for level := range ch {
		e.emit(Event{Battery: &level})
	}
}

func (e *Engine) relayBacklog(ch <-chan uint32) {
	for pending := range ch {
		e.emit(Event{Backlog: &pending})
	}
}

// watchStall surfaces the link's liveness watchdog as a capture failure.
func (e *Engine) watchStall(myGen uint64, link device.Link, stopCh <-chan struct{}) {
	select {
	case <-link.Stalled():
		e.fail(myGen, device.ErrStalled)
	case <-stopCh:
	}
}

func (e *Engine) emit(ev Event) {
	e.events <- ev
}

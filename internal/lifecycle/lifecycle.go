// Package lifecycle implements the per-turn stream state machine and its
// watchdog timers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/chatstream/internal/bus"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
)

// State is a stream lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleting
	StateCompleted
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateCancelled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", text)
}

// IsTerminal reports whether s is completed, error or cancelled.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// IsActive reports whether a stream is in flight.
func (s State) IsActive() bool {
	return s == StateStreaming || s == StateCompleting
}

// BackgroundBehavior selects what happens when the host goes to background.
type BackgroundBehavior string

const (
	BackgroundCancel   BackgroundBehavior = "cancel"
	BackgroundPause    BackgroundBehavior = "pause"
	BackgroundContinue BackgroundBehavior = "continue"
)

// Options configures the watchdogs. A zero duration takes the value from
// DefaultOptions; a negative one (see Disabled) turns that watchdog off.
type Options struct {
	InactivityTimeout  time.Duration      `yaml:"inactivityTimeout" json:"inactivityTimeout"`
	MaxDuration        time.Duration      `yaml:"maxDuration" json:"maxDuration"`
	ExpectedCompletion time.Duration      `yaml:"expectedCompletion" json:"expectedCompletion"`
	CompletionGrace    time.Duration      `yaml:"completionGrace" json:"completionGrace"`
	BackgroundBehavior BackgroundBehavior `yaml:"backgroundBehavior" json:"backgroundBehavior"`
}

// DefaultOptions returns 30s inactivity, 5m max duration, 45s expected
// completion, 8s completion grace and cancel on background.
func DefaultOptions() Options {
	return Options{
		InactivityTimeout:  30 * time.Second,
		MaxDuration:        5 * time.Minute,
		ExpectedCompletion: 45 * time.Second,
		CompletionGrace:    8 * time.Second,
		BackgroundBehavior: BackgroundCancel,
	}
}

// Disabled turns a watchdog off when used as its duration.
const Disabled time.Duration = -1

// withDefaults fills every zero field from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.InactivityTimeout == 0 {
		o.InactivityTimeout = def.InactivityTimeout
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = def.MaxDuration
	}
	if o.ExpectedCompletion == 0 {
		o.ExpectedCompletion = def.ExpectedCompletion
	}
	if o.CompletionGrace == 0 {
		o.CompletionGrace = def.CompletionGrace
	}
	if o.BackgroundBehavior == "" {
		o.BackgroundBehavior = def.BackgroundBehavior
	}
	return o
}

// ErrCancelled is the context cause of an explicit cancel.
var ErrCancelled = errors.New("stream cancelled")

// TimeoutKind names the watchdog that fired.
type TimeoutKind string

const (
	TimeoutInactivity         TimeoutKind = "inactivity"
	TimeoutMaxDuration        TimeoutKind = "max_duration"
	TimeoutExpectedCompletion TimeoutKind = "expected_completion"
)

// TimeoutError is reported when a watchdog forces the error state. It is also
// the cause of the aborted stream context.
type TimeoutError struct {
	Kind  TimeoutKind
	After time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Kind {
	case TimeoutInactivity:
		return fmt.Sprintf("stream timed out: no data received for %s", e.After)
	case TimeoutMaxDuration:
		return fmt.Sprintf("stream timed out: exceeded maximum duration of %s", e.After)
	default:
		return fmt.Sprintf("stream timed out: no completion within %s", e.After)
	}
}

// Timeout marks the error as a timeout for classifiers.
func (e *TimeoutError) Timeout() bool { return true }

// Callbacks are optional; nil fields are skipped. They run outside the
// lifecycle lock on the goroutine that caused the transition.
type Callbacks struct {
	OnStateChange        func(from, to State)
	OnError              func(err error)
	OnChunkReceived      func()
	OnDoneSignalReceived func()
	OnStreamCompleted    func()
	OnCancelled          func()
}

type watchdogKind int

const (
	watchInactivity watchdogKind = iota
	watchMaxDuration
	watchExpected
	watchGrace
	numWatchdogs
)

type watchdog struct {
	timer *time.Timer
	seq   uint64 // 0 when disarmed
}

// Lifecycle is the state machine for one stream at a time. Initialize starts
// a new attempt; every terminal transition stops all watchdogs.
type Lifecycle struct {
	mu        sync.Mutex
	opts      Options
	cb        Callbacks
	state     State
	cancel    context.CancelCauseFunc
	gen       uint64 // bumped by Initialize
	watchdogs [numWatchdogs]watchdog
	seq       uint64
	started   time.Time
	chunks    int
}

// New creates an idle lifecycle.
func New(opts Options, cb Callbacks) *Lifecycle {
	return &Lifecycle{opts: opts.withDefaults(), cb: cb}
}

// Initialize moves to streaming and arms the watchdogs. The returned context
// is aborted by Cancel, by any watchdog, or by the returned release func,
// which the caller must call on every exit path. An active stream is
// cancelled first.
func (l *Lifecycle) Initialize(parent context.Context) (context.Context, context.CancelFunc) {
	if l.State().IsActive() {
		L_warn("lifecycle: initialize while active, cancelling previous stream")
		l.Cancel()
	}

	ctx, cancel := context.WithCancelCause(parent)

	l.mu.Lock()
	from := l.state
	l.stopTimersLocked()
	l.gen++
	gen := l.gen
	l.state = StateStreaming
	l.cancel = cancel
	l.started = time.Now()
	l.chunks = 0
	l.armLocked(watchInactivity, l.opts.InactivityTimeout)
	l.armLocked(watchMaxDuration, l.opts.MaxDuration)
	l.armLocked(watchExpected, l.opts.ExpectedCompletion)
	l.mu.Unlock()

	L_debug("lifecycle: stream initialized",
		"from", from,
		"inactivity", l.opts.InactivityTimeout,
		"maxDuration", l.opts.MaxDuration,
		"expected", l.opts.ExpectedCompletion)
	l.notifyState(from, StateStreaming)

	release := func() {
		l.mu.Lock()
		if l.gen == gen {
			l.stopTimersLocked()
		}
		l.mu.Unlock()
		cancel(context.Canceled)
	}
	return ctx, release
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Chunks returns the number of chunks received in the current stream.
func (l *Lifecycle) Chunks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chunks
}

// ChunkReceived records activity and resets the inactivity watchdog. It
// returns false if the stream is not streaming.
func (l *Lifecycle) ChunkReceived() bool {
	l.mu.Lock()
	if l.state != StateStreaming {
		l.mu.Unlock()
		return false
	}
	l.chunks++
	l.armLocked(watchInactivity, l.opts.InactivityTimeout)
	l.mu.Unlock()

	if l.cb.OnChunkReceived != nil {
		l.cb.OnChunkReceived()
	}
	return true
}

// ResetInactivity restarts the inactivity watchdog without counting a chunk,
// e.g. when a new provider attempt starts.
func (l *Lifecycle) ResetInactivity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStreaming {
		l.armLocked(watchInactivity, l.opts.InactivityTimeout)
	}
}

// ExtendInactivity re-arms the inactivity watchdog for the timeout plus extra,
// so a retry backoff does not count as silence.
func (l *Lifecycle) ExtendInactivity(extra time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStreaming && l.opts.InactivityTimeout > 0 {
		l.armLocked(watchInactivity, l.opts.InactivityTimeout+extra)
	}
}

// DoneSignalReceived moves streaming to completing and arms the completion
// grace watchdog.
func (l *Lifecycle) DoneSignalReceived() bool {
	l.mu.Lock()
	if l.state != StateStreaming {
		l.mu.Unlock()
		return false
	}
	l.state = StateCompleting
	l.disarmLocked(watchInactivity)
	l.disarmLocked(watchMaxDuration)
	l.disarmLocked(watchExpected)
	l.armLocked(watchGrace, l.opts.CompletionGrace)
	l.mu.Unlock()

	l.notifyState(StateStreaming, StateCompleting)
	if l.cb.OnDoneSignalReceived != nil {
		l.cb.OnDoneSignalReceived()
	}
	return true
}

// MarkCompleted moves completing to completed.
func (l *Lifecycle) MarkCompleted() bool {
	if !l.finish(StateCompleting, StateCompleted, nil) {
		L_warn("lifecycle: rejected completion", "state", l.State())
		return false
	}
	return true
}

// Cancel moves any non-terminal state, idle included, to cancelled and aborts
// the stream context if one exists. It is idempotent.
func (l *Lifecycle) Cancel() bool {
	l.mu.Lock()
	from := l.state
	if from.IsTerminal() {
		l.mu.Unlock()
		return false
	}
	l.state = StateCancelled
	l.stopTimersLocked()
	cancel := l.cancel
	elapsed := time.Since(l.started)
	l.mu.Unlock()

	if cancel != nil {
		cancel(ErrCancelled)
	}
	L_info("lifecycle: stream cancelled", "from", from, "elapsed", elapsed.Round(time.Millisecond))
	MetricOutcome("lifecycle", "stream", StateCancelled.String())
	l.notifyState(from, StateCancelled)
	if l.cb.OnCancelled != nil {
		l.cb.OnCancelled()
	}
	return true
}

// Fail moves an active stream to error and reports err through OnError.
func (l *Lifecycle) Fail(err error) bool {
	l.mu.Lock()
	from := l.state
	l.mu.Unlock()
	if !from.IsActive() {
		return false
	}
	return l.finish(from, StateError, err)
}

// HandleBackground applies the background behavior. Only cancel acts.
func (l *Lifecycle) HandleBackground() {
	switch l.opts.BackgroundBehavior {
	case BackgroundCancel:
		if l.State().IsActive() && l.Cancel() {
			L_info("lifecycle: cancelled on app background")
		}
	default:
		L_debug("lifecycle: background ignored", "behavior", l.opts.BackgroundBehavior)
	}
}

// WatchHost subscribes to host background signals on b. The returned func
// unsubscribes.
func (l *Lifecycle) WatchHost(b *bus.Bus) func() {
	id := b.Subscribe(bus.TopicAppBackground, func(bus.Event) {
		l.HandleBackground()
	})
	return func() { b.Unsubscribe(id) }
}

// finish performs a terminal transition from expected to `to`.
func (l *Lifecycle) finish(expected, to State, err error) bool {
	l.mu.Lock()
	if l.state != expected {
		l.mu.Unlock()
		return false
	}
	t := l.terminateLocked(to, err)
	l.mu.Unlock()
	t.run(l)
	return true
}

// termination carries the side effects of a terminal transition, run after
// the lock is released.
type termination struct {
	from    State
	to      State
	err     error
	cancel  context.CancelCauseFunc
	elapsed time.Duration
	chunks  int
}

// terminateLocked switches state and stops all watchdogs. Callers hold l.mu.
func (l *Lifecycle) terminateLocked(to State, err error) termination {
	t := termination{
		from:    l.state,
		to:      to,
		err:     err,
		cancel:  l.cancel,
		elapsed: time.Since(l.started),
		chunks:  l.chunks,
	}
	l.state = to
	l.stopTimersLocked()
	return t
}

func (t termination) run(l *Lifecycle) {
	MetricOutcome("lifecycle", "stream", t.to.String())
	MetricDuration("lifecycle", "stream", t.elapsed)

	if t.to == StateError {
		if t.cancel != nil {
			cause := t.err
			if cause == nil {
				cause = errors.New("stream failed")
			}
			t.cancel(cause)
		}
		L_warn("lifecycle: stream error", "from", t.from, "elapsed", t.elapsed.Round(time.Millisecond), "error", t.err)
	} else {
		L_debug("lifecycle: stream finished", "state", t.to, "chunks", t.chunks, "elapsed", t.elapsed.Round(time.Millisecond))
	}

	l.notifyState(t.from, t.to)
	switch t.to {
	case StateError:
		if l.cb.OnError != nil {
			l.cb.OnError(t.err)
		}
	case StateCompleted:
		if l.cb.OnStreamCompleted != nil {
			l.cb.OnStreamCompleted()
		}
	}
}

func (l *Lifecycle) notifyState(from, to State) {
	if from != to && l.cb.OnStateChange != nil {
		l.cb.OnStateChange(from, to)
	}
}

// armLocked (re)starts a watchdog. Callers hold l.mu.
func (l *Lifecycle) armLocked(kind watchdogKind, d time.Duration) {
	l.disarmLocked(kind)
	if d <= 0 {
		return
	}
	l.seq++
	seq := l.seq
	l.watchdogs[kind] = watchdog{
		timer: time.AfterFunc(d, func() { l.fire(kind, seq, d) }),
		seq:   seq,
	}
}

func (l *Lifecycle) disarmLocked(kind watchdogKind) {
	w := &l.watchdogs[kind]
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = nil
	w.seq = 0
}

// stopTimersLocked disarms every watchdog. Callers hold l.mu.
func (l *Lifecycle) stopTimersLocked() {
	for k := watchdogKind(0); k < numWatchdogs; k++ {
		l.disarmLocked(k)
	}
}

// fire runs on the timer goroutine. A timer that was disarmed or re-armed
// after it fired finds a different seq and does nothing.
func (l *Lifecycle) fire(kind watchdogKind, seq uint64, after time.Duration) {
	l.mu.Lock()
	if l.watchdogs[kind].seq != seq || l.state.IsTerminal() {
		l.mu.Unlock()
		return
	}

	var t termination
	switch {
	case kind == watchGrace && l.state == StateCompleting:
		t = l.terminateLocked(StateCompleted, nil)
		L_debug("lifecycle: completion grace elapsed, forcing completed", "after", after)
	case kind != watchGrace && l.state == StateStreaming:
		err := &TimeoutError{Kind: timeoutKinds[kind], After: after}
		t = l.terminateLocked(StateError, err)
		L_warn("lifecycle: watchdog fired", "kind", err.Kind, "after", after)
		MetricError("lifecycle", "watchdog", string(err.Kind))
	default:
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	t.run(l)
}

var timeoutKinds = map[watchdogKind]TimeoutKind{
	watchInactivity:  TimeoutInactivity,
	watchMaxDuration: TimeoutMaxDuration,
	watchExpected:    TimeoutExpectedCompletion,
}

// Package bridge connects one telephony media stream to one realtime AI
// session for the lifetime of a phone call.
//
// A [Bridge] runs a single-threaded event loop per call: telephony events, AI
// events, timers and background results are all consumed by the goroutine in
// [Bridge.Run], so the [CallSession] it owns needs no locking. The loop drives
// the phase machine in [Transition], relays audio both ways, handles barge-in,
// detects farewells, and on finalization asks the AI for a summary and action
// items over the same session using a [Multiplexer].
//
// This package is internal because it encapsulates application-private call
// handling and is not intended for import by external code.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/telephony"
	"github.com/google/uuid"
)

// AISession is the AI leg of a call. *realtime.Session satisfies it.
type AISession interface {
	Events() <-chan realtime.Event
	UpdateSession(realtime.SessionConfig) error
	AppendAudio(payload string) error
	CreateItem(realtime.Item) error
	CreateResponse(*realtime.ResponseParams) error
	Truncate(itemID string, contentIndex, audioEndMs int) error
	Err() error
	Close() error
}

// TelephonyStream is the telephony leg of a call. *telephony.Stream
// satisfies it.
type TelephonyStream interface {
	Events() <-chan telephony.Event
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	SendMark(streamSID, name string) error
	Close() error
}

// Dialer opens a new AI session. It is called once per call.
type Dialer func(ctx context.Context) (AISession, error)

// PromptResolver returns the instructions for a lookup key. It never fails;
// misses and errors yield a default text.
type PromptResolver interface {
	Resolve(ctx context.Context, key string) string
}

// PromptFunc adapts a function to [PromptResolver].
type PromptFunc func(ctx context.Context, key string) string

// Resolve calls f.
func (f PromptFunc) Resolve(ctx context.Context, key string) string { return f(ctx, key) }

// LookupKeyParameter is the stream custom parameter carrying the prompt
// lookup key. Without it the call SID is used.
const LookupKeyParameter = "lookup_key"

// Close reasons reported in [Result.Reason] and logs.
const (
	ReasonDurationLimit     = "duration_limit"
	ReasonAssistantFarewell = "assistant_farewell"
	ReasonCallerFarewell    = "caller_farewell"
	ReasonCallerHangup      = "caller_hangup"
	ReasonTelephonyClosed   = "telephony_closed"
	ReasonAIClosed          = "ai_closed"
	ReasonAIConnectFailed   = "ai_connect_failed"
	ReasonLegError          = "leg_error"
	ReasonCancelled         = "cancelled"
)

// Config holds per-call tuning. Zero fields take the defaults listed.
type Config struct {
	// Voice is the AI voice name. Default: "alloy".
	Voice string

	// Temperature is the AI sampling temperature. Default: 0.8.
	Temperature float64

	// TranscriptionModel enables caller transcription. Default: "whisper-1".
	TranscriptionModel string

	// Greeting is the synthetic opening user turn sent after session.update.
	Greeting string

	// StartupDelay is waited after the AI leg opens before the first
	// session.update. Default: 200ms. Negative disables the delay.
	StartupDelay time.Duration

	// MaxCallDuration forces finalization after stream start. Default: 10m.
	MaxCallDuration time.Duration

	// PlayoutIdle is how long without assistant audio counts as the farewell
	// having finished playing. Default: 1s.
	PlayoutIdle time.Duration

	// ReplyGrace is how long to wait for an assistant reply after a caller
	// farewell when none is in flight. Default: 3s.
	ReplyGrace time.Duration

	// FinalizeTimeout bounds the whole summary exchange. Default: 30s.
	FinalizeTimeout time.Duration

	// SilentRequestTimeout bounds each hidden query. Default: 12s.
	SilentRequestTimeout time.Duration

	// FarewellPhrases replaces [DefaultFarewellPhrases] when non-empty.
	FarewellPhrases []string

	// TruncateFirst sends conversation.item.truncate before the telephony
	// clear on barge-in. Default false: clear first.
	TruncateFirst bool

	// SummaryPrompt and ActionItemsPrompt are the hidden finalization queries.
	SummaryPrompt     string
	ActionItemsPrompt string
}

const (
	defaultVoice                = "alloy"
	defaultTemperature          = 0.8
	defaultTranscriptionModel   = "whisper-1"
	defaultGreeting             = "Greet the caller briefly and ask how you can help."
	defaultStartupDelay         = 200 * time.Millisecond
	defaultMaxCallDuration      = 10 * time.Minute
	defaultPlayoutIdle          = time.Second
	defaultReplyGrace           = 3 * time.Second
	defaultFinalizeTimeout      = 30 * time.Second
	defaultSilentRequestTimeout = 12 * time.Second
	defaultSummaryPrompt        = "Summarize this phone call in two or three sentences. Reply with plain text only."
	defaultActionItemsPrompt    = "List the action items agreed on this phone call, one per line. Reply \"none\" if there are none."
)

func (c Config) withDefaults() Config {
	if c.Voice == "" {
		c.Voice = defaultVoice
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = defaultTranscriptionModel
	}
	if c.Greeting == "" {
		c.Greeting = defaultGreeting
	}
	if c.StartupDelay == 0 {
		c.StartupDelay = defaultStartupDelay
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = defaultMaxCallDuration
	}
	if c.PlayoutIdle <= 0 {
		c.PlayoutIdle = defaultPlayoutIdle
	}
	if c.ReplyGrace <= 0 {
		c.ReplyGrace = defaultReplyGrace
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = defaultFinalizeTimeout
	}
	if c.SilentRequestTimeout <= 0 {
		c.SilentRequestTimeout = defaultSilentRequestTimeout
	}
	if c.SummaryPrompt == "" {
		c.SummaryPrompt = defaultSummaryPrompt
	}
	if c.ActionItemsPrompt == "" {
		c.ActionItemsPrompt = defaultActionItemsPrompt
	}
	return c
}

// Result describes a finished call.
type Result struct {
	SessionID   string
	CallSID     string
	StreamSID   string
	Reason      string
	Err         error
	Transcript  []Segment
	Summary     string
	ActionItems string
	Duration    time.Duration
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(b *Bridge) { b.id = id }
}

// WithPhaseObserver registers fn to be called on every phase change. fn
// runs on the event loop goroutine and must not block.
func WithPhaseObserver(fn func(from, to Phase)) Option {
	return func(b *Bridge) { b.onPhase = fn }
}

type dialResult struct {
	ai  AISession
	err error
}

type finalResult struct {
	summary     string
	actionItems string
}

// deadline is a re-armable one-shot timer whose channel is nil while disarmed.
type deadline struct{ t *time.Timer }

func (d *deadline) arm(dur time.Duration) {
	d.stop()
	d.t = time.NewTimer(dur)
}

func (d *deadline) stop() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
}

func (d *deadline) armed() bool { return d.t != nil }

func (d *deadline) C() <-chan time.Time {
	if d.t == nil {
		return nil
	}
	return d.t.C
}

// Bridge runs one call. Create with [New], then call [Bridge.Run] once.
type Bridge struct {
	id       string
	cfg      Config
	tel      TelephonyStream
	dial     Dialer
	resolver PromptResolver
	farewell *FarewellMatcher
	metrics  *observe.Metrics
	onPhase  func(from, to Phase)

	// Readable from other goroutines.
	phaseView atomic.Int32
	callSID   atomic.Value // string
	endCh     chan string
	done      chan struct{}
	runOnce   sync.Once

	// Owned by the event loop.
	log      *slog.Logger
	phase    Phase
	sess     *CallSession
	ai       AISession
	aiEvents <-chan realtime.Event
	mux      *Multiplexer

	dialCh   chan dialResult
	dialed   bool
	promptCh chan string
	finalCh  chan finalResult

	delayElapsed     bool
	responseInFlight bool
	awaitingReply    bool
	farewellReason   string

	startup  deadline
	duration deadline
	playout  deadline
	grace    deadline

	result Result
}

// New creates a bridge for one accepted telephony stream. dial opens the AI
// leg; resolver supplies instructions.
func New(tel TelephonyStream, dial Dialer, resolver PromptResolver, cfg Config, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:      cfg.withDefaults(),
		tel:      tel,
		dial:     dial,
		resolver: resolver,
		endCh:    make(chan string, 1),
		done:     make(chan struct{}),
		dialCh:   make(chan dialResult, 1),
		promptCh: make(chan string, 1),
		finalCh:  make(chan finalResult, 1),
	}
	for _, o := range opts {
		o(b)
	}
	if b.id == "" {
		b.id = uuid.NewString()
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	if b.resolver == nil {
		b.resolver = PromptFunc(func(context.Context, string) string { return "" })
	}
	b.farewell = NewFarewellMatcher(b.cfg.FarewellPhrases)
	b.callSID.Store("")
	return b
}

// ID returns the local session id.
func (b *Bridge) ID() string { return b.id }

// CallSID returns the telephony call SID, or "" before stream start.
func (b *Bridge) CallSID() string { return b.callSID.Load().(string) }

// Phase returns the current phase.
func (b *Bridge) Phase() Phase { return Phase(b.phaseView.Load()) }

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// End asks the call to finalize with reason. Calls before stream start
// close the call directly. Safe to call from any goroutine; a no-op once the
// call has closed.
func (b *Bridge) End(reason string) {
	select {
	case b.endCh <- reason:
	default:
	}
}

// Run drives the call until both legs are closed and returns its outcome.
// It must be called exactly once; later calls return immediately.
func (b *Bridge) Run(ctx context.Context) Result {
	first := false
	b.runOnce.Do(func() { first = true })
	if !first {
		<-b.done
		return b.result
	}
	defer close(b.done)

	ctx, span := observe.StartSpan(ctx, "bridge.call")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.log = observe.Logger(ctx).With("session_id", b.id)
	b.sess = newCallSession(b.id, time.Now())
	b.metrics.RecordCallStart(ctx)

	b.fire(TriggerAccepted)
	go func() {
		ai, err := b.dial(ctx)
		b.dialCh <- dialResult{ai: ai, err: err}
	}()

	b.loop(ctx)

	if !b.dialed {
		// Close a session that finishes dialling after the call ended.
		go func() {
			if r := <-b.dialCh; r.err == nil && r.ai != nil {
				_ = r.ai.Close()
			}
		}()
	}

	b.result.SessionID = b.id
	b.result.CallSID = b.sess.CallSID
	b.result.StreamSID = b.sess.StreamSID
	b.result.Transcript = b.sess.Transcript()
	b.result.Duration = time.Since(b.sess.AcceptedAt)
	b.metrics.RecordCallEnd(ctx, b.result.Reason, b.result.Duration)
	return b.result
}

func (b *Bridge) loop(ctx context.Context) {
	telEvents := b.tel.Events()
	for b.phase != PhaseClosed {
		// The duration limit wins over anything else that is ready.
		select {
		case <-b.duration.C():
			b.duration.stop()
			b.onDurationLimit(ctx)
			continue
		default:
		}

		select {
		case <-b.duration.C():
			b.duration.stop()
			b.onDurationLimit(ctx)

		case evt, ok := <-telEvents:
			if !ok {
				b.close(ReasonTelephonyClosed, nil)
				continue
			}
			b.handleTelephony(ctx, evt)

		case evt, ok := <-b.aiEvents:
			if !ok {
				b.close(ReasonAIClosed, b.ai.Err())
				continue
			}
			b.handleAI(ctx, evt)

		case r := <-b.dialCh:
			b.onDialed(r)

		case text := <-b.promptCh:
			b.sess.Instructions = text
			b.sess.InstructionsResolved = true
			b.tryActivate()

		case <-b.startup.C():
			b.startup.stop()
			b.delayElapsed = true
			b.tryActivate()

		case <-b.playout.C():
			b.playout.stop()
			b.beginFinalize(ctx, TriggerFarewell, b.farewellReason)

		case <-b.grace.C():
			b.grace.stop()
			b.log.Info("no assistant reply after caller farewell")
			b.beginFinalize(ctx, TriggerFarewell, ReasonCallerFarewell)

		case res := <-b.finalCh:
			b.onFinalized(res)

		case reason := <-b.endCh:
			if b.phase < PhaseInitializing {
				b.close(reason, nil)
				continue
			}
			b.beginFinalize(ctx, TriggerEndRequested, reason)

		case <-ctx.Done():
			b.close(ReasonCancelled, ctx.Err())
		}
	}
}

// fire applies t to the current phase. Inapplicable triggers are logged and
// ignored.
func (b *Bridge) fire(t Trigger) bool {
	next, err := Transition(b.phase, t)
	if err != nil {
		b.log.Debug("ignoring trigger", "trigger", t, "phase", b.phase)
		return false
	}
	prev := b.phase
	b.phase = next
	b.phaseView.Store(int32(next))
	b.log.Info("phase transition", "from", prev, "to", next, "trigger", t)
	if b.onPhase != nil {
		b.onPhase(prev, next)
	}
	return true
}

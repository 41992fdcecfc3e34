package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// ── Telephony leg ─────────────────────────────────────────────────────────────

func (b *Bridge) handleTelephony(ctx context.Context, evt telephony.Event) {
	switch evt.Kind {
	case telephony.KindStart:
		b.onStreamStart(ctx, evt)

	case telephony.KindMedia:
		if b.ai == nil || !b.phase.relaysInbound() {
			b.metrics.RecordDroppedFrame(ctx, observe.DirectionInbound)
			return
		}
		if err := b.ai.AppendAudio(evt.Payload); err != nil {
			b.close(ReasonLegError, fmt.Errorf("bridge: append audio: %w", err))
			return
		}
		b.metrics.RecordFrame(ctx, observe.DirectionInbound)

	case telephony.KindMark:
		b.log.Debug("playback mark reached", "mark", evt.MarkName)

	case telephony.KindStop:
		b.log.Info("telephony stream stopped")
		b.close(ReasonCallerHangup, nil)

	default:
		b.log.Debug("ignoring telephony event", "event", evt.Name)
	}
}

func (b *Bridge) onStreamStart(ctx context.Context, evt telephony.Event) {
	if b.phase != PhaseAwaitingStreamStart {
		b.log.Warn("duplicate stream start ignored", "stream_sid", evt.StreamSID)
		return
	}
	now := time.Now()
	b.sess.StreamSID = evt.StreamSID
	b.sess.CallSID = evt.CallSID
	b.sess.Deadline = now.Add(b.cfg.MaxCallDuration)
	b.callSID.Store(evt.CallSID)
	b.log = b.log.With("call_sid", evt.CallSID, "stream_sid", evt.StreamSID)

	key := evt.CustomParameters[LookupKeyParameter]
	if key == "" {
		key = evt.CallSID
	}
	b.sess.LookupKey = key

	b.duration.arm(b.cfg.MaxCallDuration)
	b.fire(TriggerStreamStarted)

	resolver := b.resolver
	resolveCtx := observe.WithLogger(ctx, b.log)
	go func() {
		b.promptCh <- resolver.Resolve(resolveCtx, key)
	}()
}

// ── AI leg ────────────────────────────────────────────────────────────────────

func (b *Bridge) onDialed(r dialResult) {
	b.dialed = true
	if r.err != nil {
		b.metrics.RecordProviderError(context.Background(), "realtime", "connect")
		b.log.Error("AI session connect failed", "err", r.err)
		b.close(ReasonAIConnectFailed, fmt.Errorf("bridge: dial: %w", r.err))
		return
	}
	b.ai = r.ai
	b.aiEvents = r.ai.Events()
	b.mux = NewMultiplexer(r.ai)
	b.sess.AIStartedAt = time.Now()
	b.log.Debug("AI session connected")

	if b.cfg.StartupDelay > 0 {
		b.startup.arm(b.cfg.StartupDelay)
		return
	}
	b.delayElapsed = true
	b.tryActivate()
}

// tryActivate configures the AI session once it is open, the startup delay
// has passed and instructions are known.
func (b *Bridge) tryActivate() {
	if b.phase != PhaseInitializing || b.ai == nil || !b.delayElapsed || !b.sess.InstructionsResolved {
		return
	}
	cfg := realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            b.sess.Instructions,
		Voice:                   b.cfg.Voice,
		InputAudioFormat:        realtime.FormatG711ULaw,
		OutputAudioFormat:       realtime.FormatG711ULaw,
		InputAudioTranscription: &realtime.Transcription{Model: b.cfg.TranscriptionModel},
		TurnDetection:           &realtime.TurnDetection{Type: "server_vad"},
		Temperature:             b.cfg.Temperature,
	}
	if err := b.ai.UpdateSession(cfg); err != nil {
		b.close(ReasonLegError, fmt.Errorf("bridge: session update: %w", err))
		return
	}
	if err := b.ai.CreateItem(realtime.UserText(b.cfg.Greeting)); err != nil {
		b.close(ReasonLegError, fmt.Errorf("bridge: opening turn: %w", err))
		return
	}
	if err := b.ai.CreateResponse(nil); err != nil {
		b.close(ReasonLegError, fmt.Errorf("bridge: opening response: %w", err))
		return
	}
	b.fire(TriggerConfigured)
}

func (b *Bridge) handleAI(ctx context.Context, evt realtime.Event) {
	if b.mux.HandleEvent(evt) {
		return
	}

	switch evt.Type {
	case realtime.TypeSessionCreated, realtime.TypeSessionUpdated:
		b.log.Debug("AI session event", "type", evt.Type)

	case realtime.TypeResponseCreated:
		b.responseInFlight = true
		if b.awaitingReply {
			b.grace.stop()
		}

	case realtime.TypeResponseDone:
		b.responseInFlight = false
		if evt.Response != nil && evt.Response.Status == "failed" {
			b.log.Warn("AI response failed", "response_id", evt.Response.ID)
		}
		if b.awaitingReply && !b.playout.armed() && b.phase == PhaseActive {
			b.playout.arm(b.cfg.PlayoutIdle)
		}

	case realtime.TypeAudioDelta:
		b.relayOutbound(ctx, evt)

	case realtime.TypeAudioDone:
		if b.sess.StreamSID != "" && evt.ItemID != "" && b.phase.relaysOutbound() {
			if err := b.tel.SendMark(b.sess.StreamSID, evt.ItemID); err != nil {
				b.log.Debug("send mark failed", "err", err)
			}
		}

	case realtime.TypeAudioTranscriptDone:
		b.onAssistantTranscript(evt.Transcript)

	case realtime.TypeInputTranscriptionDone:
		b.onCallerTranscript(evt.Transcript)

	case realtime.TypeSpeechStarted:
		b.bargeIn(ctx, evt)

	case realtime.TypeError:
		b.metrics.RecordProviderError(ctx, "realtime", "event")
		if evt.Error != nil {
			b.log.Warn("AI session error", "err", evt.Error)
		} else {
			b.log.Warn("AI session error without detail")
		}
	}
}

func (b *Bridge) relayOutbound(ctx context.Context, evt realtime.Event) {
	if !b.phase.relaysOutbound() || b.sess.StreamSID == "" {
		b.metrics.RecordDroppedFrame(ctx, observe.DirectionOutbound)
		return
	}
	if err := b.tel.SendMedia(b.sess.StreamSID, evt.Delta); err != nil {
		b.close(ReasonLegError, fmt.Errorf("bridge: send media: %w", err))
		return
	}
	b.metrics.RecordFrame(ctx, observe.DirectionOutbound)
	if evt.ItemID != "" {
		b.sess.LastAssistantItem = evt.ItemID
	}
	if b.playout.armed() {
		b.playout.arm(b.cfg.PlayoutIdle)
	}
}

// bargeIn cuts assistant playback when the caller starts talking.
func (b *Bridge) bargeIn(ctx context.Context, evt realtime.Event) {
	b.sess.LastSpeechStartMs = evt.AudioStartMs
	var drift int64
	if !b.sess.AIStartedAt.IsZero() {
		drift = time.Since(b.sess.AIStartedAt).Milliseconds() - int64(evt.AudioStartMs)
	}
	b.log.Debug("caller speech started", "audio_start_ms", evt.AudioStartMs, "drift_ms", drift)

	clearPlayback := func() error {
		if b.sess.StreamSID == "" {
			return nil
		}
		return b.tel.SendClear(b.sess.StreamSID)
	}
	truncate := func() error {
		item := b.sess.LastAssistantItem
		if item == "" {
			return nil
		}
		b.sess.LastAssistantItem = ""
		return b.ai.Truncate(item, 0, evt.AudioStartMs)
	}

	steps := []func() error{clearPlayback, truncate}
	if b.cfg.TruncateFirst {
		steps = []func() error{truncate, clearPlayback}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.close(ReasonLegError, fmt.Errorf("bridge: barge-in: %w", err))
			return
		}
	}
	if b.sess.StreamSID != "" {
		b.metrics.RecordBargeIn(ctx, drift)
	}
}

// ── Farewell detection ────────────────────────────────────────────────────────

func (b *Bridge) onAssistantTranscript(text string) {
	b.sess.Append(SpeakerAssistant, text, time.Now())
	if b.phase != PhaseActive {
		return
	}
	if phrase, ok := b.farewell.Match(text); ok {
		b.log.Info("assistant farewell detected", "phrase", phrase)
		b.farewellReason = ReasonAssistantFarewell
		b.grace.stop()
		b.playout.arm(b.cfg.PlayoutIdle)
		return
	}
	if b.awaitingReply {
		b.grace.stop()
		b.playout.arm(b.cfg.PlayoutIdle)
	}
}

func (b *Bridge) onCallerTranscript(text string) {
	b.sess.Append(SpeakerCaller, text, time.Now())
	if b.phase != PhaseActive || b.awaitingReply || b.playout.armed() {
		return
	}
	phrase, ok := b.farewell.Match(text)
	if !ok {
		return
	}
	b.log.Info("caller farewell detected", "phrase", phrase)
	b.awaitingReply = true
	b.farewellReason = ReasonCallerFarewell
	if !b.responseInFlight {
		b.grace.arm(b.cfg.ReplyGrace)
	}
}

func (b *Bridge) onDurationLimit(ctx context.Context) {
	b.log.Info("call duration limit reached", "limit", b.cfg.MaxCallDuration)
	b.beginFinalize(ctx, TriggerDurationLimit, ReasonDurationLimit)
}

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ── Finalization and teardown ─────────────────────────────────────────────────

func (b *Bridge) beginFinalize(ctx context.Context, t Trigger, reason string) {
	if !b.fire(t) {
		return
	}
	b.result.Reason = reason
	b.playout.stop()
	b.grace.stop()
	b.startup.stop()

	mux := b.mux
	log := b.log
	transcript := FormatTranscript(b.sess.Transcript())
	go func() {
		b.finalCh <- b.finalize(ctx, log, mux, transcript)
	}()
}

// finalize runs the two hidden queries in order. It runs on its own
// goroutine and touches only mux and its arguments.
func (b *Bridge) finalize(ctx context.Context, log *slog.Logger, mux *Multiplexer, transcript string) finalResult {
	var res finalResult
	if mux == nil {
		log.Warn("AI session never opened, skipping call summary")
		return res
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FinalizeTimeout)
	defer cancel()

	res.summary = b.silent(ctx, log, mux, "summary", b.cfg.SummaryPrompt, transcript)
	res.actionItems = b.silent(ctx, log, mux, "action_items", b.cfg.ActionItemsPrompt, transcript)
	return res
}

func (b *Bridge) silent(ctx context.Context, log *slog.Logger, mux *Multiplexer, kind, prompt, transcript string) string {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.SilentRequestTimeout)
	defer cancel()

	if transcript != "" {
		prompt += "\n\nTranscript:\n" + transcript
	}
	start := time.Now()
	text, err := mux.Request(ctx, prompt)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRequestTimeout):
		status = "timeout"
	case errors.Is(err, ErrSessionClosed):
		status = "abandoned"
	default:
		status = "error"
	}
	b.metrics.RecordSilentRequest(ctx, kind, status, time.Since(start))
	if err != nil {
		log.Warn("silent request failed", "kind", kind, "err", err)
		return ""
	}
	return text
}

func (b *Bridge) onFinalized(res finalResult) {
	b.result.Summary = res.summary
	b.result.ActionItems = res.actionItems
	b.log.Info("call finalized",
		"reason", b.result.Reason,
		"summary", res.summary,
		"action_items", res.actionItems,
		"caller_transcript", b.sess.CallerTranscript(),
		"assistant_transcript", b.sess.AssistantTranscript(),
	)
	b.teardown(TriggerFinalized)
}

// close tears the call down immediately from any phase.
func (b *Bridge) close(reason string, err error) {
	if b.phase == PhaseClosed {
		return
	}
	if b.result.Reason == "" {
		b.result.Reason = reason
	}
	if err != nil && b.result.Err == nil {
		b.result.Err = err
	}
	if err != nil {
		b.log.Warn("call closing", "reason", reason, "err", err)
	} else {
		b.log.Info("call closing", "reason", reason)
	}
	b.teardown(TriggerLegClosed)
}

func (b *Bridge) teardown(t Trigger) {
	if !b.fire(t) {
		return
	}
	b.startup.stop()
	b.duration.stop()
	b.playout.stop()
	b.grace.stop()

	if b.mux != nil {
		b.mux.Abandon()
	}
	if b.ai != nil {
		_ = b.ai.Close()
	}
	_ = b.tel.Close()

	b.log.Info("call closed",
		"reason", b.result.Reason,
		"segments", len(b.sess.Transcript()),
		"duration", time.Since(b.sess.AcceptedAt),
	)
}

package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/async"
	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
	"pulse/internal/observability"
	"pulse/internal/server/ports"
	"pulse/internal/tokens"
	id "pulse/internal/utils/id"
)

// segmentSpec describes one stretch of collaborator execution: a fresh start
// when resumeToken is empty, otherwise a resume with new input.
type segmentSpec struct {
	instruction string
	resumeToken string
}

// runState is the loop-local view of the run. The loop goroutine owns it
// exclusively.
type runState struct {
	run         *domain.Run
	cancel      context.CancelCauseFunc
	logger      logging.Logger
	sawTerminal bool
	storageErr  error
}

// launchSegment claims the run for this process and spawns its event loop.
// The loop detaches from the caller's context so it outlives the HTTP
// request; context values (log id, session/run ids) survive, cancellation
// does not.
func (c *Coordinator) launchSegment(ctx context.Context, run *domain.Run, seg segmentSpec) error {
	base := context.WithoutCancel(ctx)
	base = id.WithIDs(base, id.IDs{SessionID: run.SessionID, RunID: run.ID, ParentRunID: run.ParentRunID})
	runCtx, cancel := context.WithCancelCause(base)

	handle, claimed := c.claimRun(run.ID, cancel)
	if !claimed {
		cancel(nil)
		return fmt.Errorf("run %s: %w", run.ID, ErrRunBusy)
	}

	runCopy := *run
	st := &runState{
		run:    &runCopy,
		cancel: cancel,
		logger: logging.FromContext(base, c.logger),
	}
	async.GoTracked(&c.wg, c.logger, "coordinator.runSegment", func() {
		defer c.untrackRun(runCopy.ID, handle)
		c.runSegment(runCtx, base, st, seg)
	})
	return nil
}

// runSegment drives one segment of collaborator output through the event
// pipeline. persistCtx is uncancellable so in-flight persistence finishes
// even when the segment itself is being stopped.
func (c *Coordinator) runSegment(runCtx, persistCtx context.Context, st *runState, seg segmentSpec) {
	run := st.run

	var spanErr error
	if c.obs != nil && c.obs.Tracer != nil {
		var span trace.Span
		persistCtx, span = c.obs.Tracer.StartSpan(persistCtx, observability.SpanRunExecute,
			observability.RunAttrs(run.ID, string(run.Kind))...)
		defer func() {
			if spanErr != nil {
				span.RecordError(spanErr)
				span.SetStatus(codes.Error, spanErr.Error())
			}
			span.End()
		}()
	}

	// Queue for an execution slot before touching the collaborator.
	if err := c.sem.Acquire(runCtx, 1); err != nil {
		cause := context.Cause(runCtx)
		st.logger.Warn("Run %s cancelled while queued for admission: %v", run.ID, cause)
		c.failBeforeStart(persistCtx, st, domain.TerminationInterrupted,
			fmt.Sprintf("cancelled while queued: %v", cause))
		return
	}
	defer c.sem.Release(1)
	if collector := c.collector(); collector != nil {
		collector.IncrementActiveSessions(persistCtx)
		defer collector.DecrementActiveSessions(persistCtx)
	}

	// The first observable act of a segment is recording what was asked.
	input := domain.NewEvent(run.Context(), domain.EventInputReceived, map[string]any{"message": seg.instruction})
	if err := c.persistAndBroadcast(persistCtx, input); err != nil {
		c.failForStorage(persistCtx, st, err)
		return
	}

	var (
		events <-chan ports.RunnerEvent
		err    error
	)
	if seg.resumeToken == "" {
		events, err = c.runner.Start(runCtx, run, seg.instruction)
	} else {
		events, err = c.runner.Resume(runCtx, seg.resumeToken, seg.instruction)
	}
	if err != nil {
		spanErr = err
		st.logger.Error("Collaborator refused run %s: %v", run.ID, err)
		c.failBeforeStart(persistCtx, st, domain.TerminationError, err.Error())
		return
	}

	c.consumeEvents(runCtx, persistCtx, st, events)

	switch {
	case st.storageErr != nil:
		spanErr = st.storageErr
	case st.sawTerminal:
		// Terminal lifecycle already handled inline.
	case runCtx.Err() != nil:
		// Interrupted and the collaborator never produced its own terminal
		// event within the grace period.
		cause := context.Cause(runCtx)
		spanErr = cause
		c.forceInterrupted(persistCtx, run, fmt.Sprintf("grace period expired: %v", cause))
	default:
		// Segment closed without a terminal event: the collaborator paused
		// for more input. The run stays active and resumable.
		st.logger.Info("Run %s paused awaiting input", run.ID)
	}
}

// consumeEvents relays collaborator events until the channel closes, a
// terminal event lands, or the segment is cancelled.
func (c *Coordinator) consumeEvents(runCtx, persistCtx context.Context, st *runState, events <-chan ports.RunnerEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if done := c.handleRunnerEvent(persistCtx, st, ev); done {
				return
			}
		case <-runCtx.Done():
			c.awaitCooperativeStop(persistCtx, st, events)
			return
		}
	}
}

// awaitCooperativeStop keeps draining events after a cancellation so a
// well-behaved collaborator can flush its own terminal event. The grace
// period bounds how long a deaf one can hold the run open.
func (c *Coordinator) awaitCooperativeStop(persistCtx context.Context, st *runState, events <-chan ports.RunnerEvent) {
	grace := time.NewTimer(c.interruptGrace)
	defer grace.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if done := c.handleRunnerEvent(persistCtx, st, ev); done {
				return
			}
		case <-grace.C:
			st.logger.Warn("Run %s ignored cancellation for %s", st.run.ID, c.interruptGrace)
			return
		}
	}
}

// handleRunnerEvent pushes one collaborator event through the pipeline:
// durable append, fan-out, usage accounting, lifecycle bookkeeping. Returns
// true when the segment is finished with this channel.
func (c *Coordinator) handleRunnerEvent(ctx context.Context, st *runState, ev ports.RunnerEvent) bool {
	if ev.Type == "" {
		st.logger.Warn("Dropping untyped event from run %s", st.run.ID)
		return false
	}

	if ev.ResumeToken != "" && ev.ResumeToken != st.run.ResumeToken {
		if err := c.store.SetRunResumeToken(ctx, st.run.ID, ev.ResumeToken); err != nil {
			st.logger.Error("Failed to record resume token for run %s: %v", st.run.ID, err)
		} else {
			st.run.ResumeToken = ev.ResumeToken
		}
	}

	c.ensureActive(ctx, st)

	event := domain.NewEvent(st.run.Context(), ev.Type, ev.Payload)
	if err := c.persistAndBroadcast(ctx, event); err != nil {
		c.failForStorage(ctx, st, err)
		return true
	}

	c.recordUsage(ctx, st, ev)

	if ev.Terminal() {
		st.sawTerminal = true
		c.finishRun(ctx, st, ev)
		return true
	}
	return false
}

// ensureActive flips a pending run to active on its first observed event and
// mirrors the session. Resumed segments find the run already active.
func (c *Coordinator) ensureActive(ctx context.Context, st *runState) {
	if st.run.Status != domain.RunPending {
		return
	}
	if err := c.store.SetRunStatus(ctx, st.run.ID, domain.RunActive); err != nil {
		st.logger.Error("Failed to activate run %s: %v", st.run.ID, err)
		return
	}
	st.run.Status = domain.RunActive
	c.mirrorSession(ctx, st.run, domain.RunActive)
	if collector := c.collector(); collector != nil {
		collector.RecordRunStarted(ctx, string(st.run.Kind))
	}
	st.logger.Info("Run %s active", st.run.ID)
}

// finishRun resolves a collaborator-reported terminal event into the stored
// run state.
func (c *Coordinator) finishRun(ctx context.Context, st *runState, ev ports.RunnerEvent) {
	switch ev.Type {
	case domain.EventRunCompleted:
		c.recordTerminal(ctx, st.run, domain.RunCompleted, domain.TerminationCompleted, "")
	case domain.EventRunInterrupted:
		c.recordTerminal(ctx, st.run, domain.RunFailed, domain.TerminationInterrupted, payloadString(ev.Payload, "reason"))
	default:
		c.recordTerminal(ctx, st.run, domain.RunFailed, domain.TerminationError, payloadString(ev.Payload, "error"))
	}
}

// persistAndBroadcast is the strict pipeline for collaborator-produced
// events: durable append first, fan-out only once the write stuck.
func (c *Coordinator) persistAndBroadcast(ctx context.Context, event domain.EventRecord) error {
	start := time.Now()
	var span trace.Span
	if c.obs != nil && c.obs.Tracer != nil {
		ctx, span = c.obs.Tracer.StartSpan(ctx, observability.SpanEventPersist,
			attribute.String(observability.AttrEventCategory, string(event.Category)),
			attribute.String(observability.AttrEventType, string(event.Type)),
		)
		defer span.End()
	}
	if err := c.appendWithRetry(ctx, &event); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	if span != nil {
		span.SetAttributes(attribute.Int64(observability.AttrEventSeq, event.Seq))
	}
	if collector := c.collector(); collector != nil {
		collector.RecordEventPersisted(ctx, string(event.Category), time.Since(start))
	}
	c.hub.Broadcast(event)
	return nil
}

// appendWithRetry drives AppendEvent through the bounded retry budget.
// Domain rejections are permanent and fail immediately; anything else is
// treated as a storage outage and retried with backoff.
func (c *Coordinator) appendWithRetry(ctx context.Context, event *domain.EventRecord) error {
	attempts := 0
	err := pulseerrors.RetryWithLog(ctx, c.retry, func(ctx context.Context) error {
		attempts++
		appendErr := c.store.AppendEvent(ctx, event)
		if appendErr == nil {
			return nil
		}
		if pulseerrors.IsNotFound(appendErr) || pulseerrors.IsTerminalState(appendErr) {
			return appendErr
		}
		return pulseerrors.NewStorageUnavailable("append_event", appendErr)
	}, c.logger)

	metrics := c.storeMetrics()
	if attempts > 1 {
		metrics.RecordAppendRetry()
	}
	if err != nil {
		// Domain rejections are not outages; only exhausted storage
		// retries flip degraded mode.
		if pulseerrors.IsStorageUnavailable(err) {
			metrics.RecordAppendFailure()
			metrics.SetDegraded(true)
		}
		return err
	}
	// Any landed append means the store is serving again.
	metrics.SetDegraded(false)
	return nil
}

// failForStorage ends the run after the persist pipeline gave out. The
// terminal transition and the synthetic lifecycle events are best-effort
// against a store that just failed; the broadcasts always happen so
// connected clients still learn the outcome.
func (c *Coordinator) failForStorage(ctx context.Context, st *runState, cause error) {
	st.storageErr = cause
	st.logger.Error("Storage gave out for run %s, forcing terminal state: %v", st.run.ID, cause)

	// Stop the collaborator; nothing more it produces can be persisted.
	st.cancel(cause)

	c.recordTerminal(ctx, st.run, domain.RunFailed, domain.TerminationStorageUnavailable, cause.Error())
	c.emitSynthetic(ctx, st.run, domain.EventStorageDegraded, map[string]any{"error": cause.Error()})
	c.emitSynthetic(ctx, st.run, domain.EventRunFailed, map[string]any{
		"error":  cause.Error(),
		"reason": string(domain.TerminationStorageUnavailable),
	})
}

// failBeforeStart ends a run whose collaborator never produced an event.
func (c *Coordinator) failBeforeStart(ctx context.Context, st *runState, reason domain.TerminationReason, detail string) {
	c.recordTerminal(ctx, st.run, domain.RunFailed, reason, detail)
	if reason == domain.TerminationInterrupted {
		c.emitSynthetic(ctx, st.run, domain.EventRunInterrupted, map[string]any{"reason": detail})
		return
	}
	c.emitSynthetic(ctx, st.run, domain.EventRunFailed, map[string]any{"error": detail, "reason": string(reason)})
}

// forceInterrupted unilaterally ends a run that did not stop on its own:
// an orphaned run with no loop in this process, or one whose collaborator
// outlasted the grace period.
func (c *Coordinator) forceInterrupted(ctx context.Context, run *domain.Run, detail string) {
	c.recordTerminal(ctx, run, domain.RunFailed, domain.TerminationInterrupted, detail)
	c.emitSynthetic(ctx, run, domain.EventRunInterrupted, map[string]any{"reason": detail})
}

// recordTerminal writes the terminal transition, mirrors the session and
// records run metrics. A run that raced into another terminal state first
// is left alone.
func (c *Coordinator) recordTerminal(ctx context.Context, run *domain.Run, status domain.RunStatus, reason domain.TerminationReason, detail string) {
	opts := []domain.TransitionOption{domain.WithTerminationReason(reason)}
	if detail != "" {
		opts = append(opts, domain.WithTransitionError(detail))
	}
	err := c.store.SetRunStatus(ctx, run.ID, status, opts...)
	switch {
	case err == nil:
		run.Status = status
		run.TerminationReason = reason
	case pulseerrors.IsTerminalState(err):
		logging.FromContext(ctx, c.logger).Warn("Run %s already terminal: %v", run.ID, err)
		return
	default:
		logging.FromContext(ctx, c.logger).Error("Failed to record %s for run %s: %v", status, run.ID, err)
		// Keep going: the session mirror and metrics still reflect what
		// actually happened to the run.
	}

	c.mirrorSession(ctx, run, status)
	if collector := c.collector(); collector != nil {
		collector.RecordRunFinished(ctx, string(run.Kind), string(reason), time.Since(run.CreatedAt))
	}
}

// mirrorSession keeps the session status tracking its orchestrator run.
// Child runs never flip the session.
func (c *Coordinator) mirrorSession(ctx context.Context, run *domain.Run, status domain.RunStatus) {
	if run.Kind != domain.KindOrchestrator {
		return
	}
	if err := c.store.SetSessionStatus(ctx, run.SessionID, domain.SessionStatusForRun(status)); err != nil {
		logging.FromContext(ctx, c.logger).Error("Failed to mirror session %s status: %v", run.SessionID, err)
	}
}

// emitSynthetic announces a coordinator-made lifecycle event. Persistence is
// attempted once, best-effort; the broadcast happens regardless.
func (c *Coordinator) emitSynthetic(ctx context.Context, run *domain.Run, eventType domain.EventType, payload map[string]any) {
	event := domain.NewEvent(run.Context(), eventType, payload)
	if err := c.store.AppendEvent(ctx, &event); err != nil {
		logging.FromContext(ctx, c.logger).Warn("Synthetic %s for run %s not persisted: %v", eventType, run.ID, err)
	}
	c.hub.Broadcast(event)
}

// recordUsage accumulates collaborator-reported usage onto the run.
// Response chunks that arrive without usage are estimated so streaming cost
// is never invisible; counters only ever grow.
func (c *Coordinator) recordUsage(ctx context.Context, st *runState, ev ports.RunnerEvent) {
	var (
		model         string
		input, output int
		cost          float64
	)
	switch {
	case ev.Usage != nil:
		model = ev.Usage.Model
		input = ev.Usage.InputTokens
		output = ev.Usage.OutputTokens
		cost = ev.Usage.CostUSD
		if cost == 0 && (input > 0 || output > 0) {
			cost = tokens.EstimateCost(model, input, output)
		}
	case ev.Type.Category() == domain.CategoryResponse:
		model = "estimated"
		output = tokens.EstimateFast(payloadString(ev.Payload, "text"))
		if output == 0 {
			return
		}
		cost = tokens.EstimateCost(model, 0, output)
	default:
		return
	}
	if input == 0 && output == 0 && cost == 0 {
		return
	}

	if err := c.store.AddRunUsage(ctx, st.run.ID, input, output, cost); err != nil {
		st.logger.Warn("Failed to add usage for run %s: %v", st.run.ID, err)
		return
	}
	st.run.InputTokens += input
	st.run.OutputTokens += output
	st.run.CostUSD += cost
	if collector := c.collector(); collector != nil {
		collector.RecordUsage(ctx, model, input, output, cost)
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

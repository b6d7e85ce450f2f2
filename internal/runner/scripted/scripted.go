// Package scripted provides a deterministic stand-in for the agent execution
// collaborator. Playback is driven by scripts of typed steps; the dev server
// runs it behind --runner scripted and the coordinator tests drive it
// directly.
package scripted

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulse/internal/domain"
	"pulse/internal/server/ports"
)

// flushTimeout bounds how long the goodbye event waits for a consumer that
// may already have walked away.
const flushTimeout = 250 * time.Millisecond

// Step is one event the runner will emit.
type Step struct {
	Type        domain.EventType
	Payload     map[string]any
	Usage       *ports.Usage
	ResumeToken string

	// Delay pauses before the step is emitted.
	Delay time.Duration

	// Block parks the script here until Release is called. Tests use it to
	// hold a run open mid-stream.
	Block bool
}

// Script is one segment of collaborator output: everything that plays
// between a Start or Resume call and the channel closing. A script whose
// last step is not a terminal lifecycle event leaves the run paused.
type Script []Step

// Runner plays scripts back segment by segment: Start consumes the first,
// each Resume the next, in process-wide call order. A runner built with no
// segments synthesizes a small demo conversation per call instead, which is
// what dev mode uses.
type Runner struct {
	mu       sync.Mutex
	segments []Script
	next     int

	deaf      bool
	startErr  error
	resumeErr error

	startInstructions []string
	resumeTokens      []string

	release     chan struct{}
	releaseOnce sync.Once
}

// New builds a runner over the given segments.
func New(segments ...Script) *Runner {
	return &Runner{segments: segments, release: make(chan struct{})}
}

// SetDeaf makes playback ignore context cancellation, simulating a
// collaborator that never acknowledges interrupts. Deaf scripts should park
// on a Block step so they stay quiet while the coordinator waits them out.
func (r *Runner) SetDeaf(deaf bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deaf = deaf
}

// SetStartError makes subsequent Start calls fail with err.
func (r *Runner) SetStartError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// SetResumeError makes subsequent Resume calls fail with err.
func (r *Runner) SetResumeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeErr = err
}

// Release unblocks every Block step. Safe to call repeatedly; tests hang it
// on t.Cleanup.
func (r *Runner) Release() {
	r.releaseOnce.Do(func() { close(r.release) })
}

// StartInstructions returns the instructions passed to Start, in order.
func (r *Runner) StartInstructions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.startInstructions...)
}

// ResumeTokens returns the tokens passed to Resume, in order.
func (r *Runner) ResumeTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumeTokens...)
}

// Start begins a new scripted execution for the run.
func (r *Runner) Start(ctx context.Context, run *domain.Run, instruction string) (<-chan ports.RunnerEvent, error) {
	r.mu.Lock()
	if r.startErr != nil {
		defer r.mu.Unlock()
		return nil, r.startErr
	}
	r.startInstructions = append(r.startInstructions, instruction)

	var script Script
	switch {
	case len(r.segments) == 0:
		script = demoStart(run.ID, instruction)
	case r.next >= len(r.segments):
		r.mu.Unlock()
		return nil, fmt.Errorf("scripted runner: no segment left for run %s", run.ID)
	default:
		script = r.segments[r.next]
		r.next++
	}
	deaf := r.deaf
	r.mu.Unlock()

	return r.play(ctx, script, deaf), nil
}

// Resume feeds new input to a previously started execution. The token is
// recorded but not validated; the coordinator resolves tokens against the
// store before calling.
func (r *Runner) Resume(ctx context.Context, resumeToken, instruction string) (<-chan ports.RunnerEvent, error) {
	r.mu.Lock()
	if r.resumeErr != nil {
		defer r.mu.Unlock()
		return nil, r.resumeErr
	}
	r.resumeTokens = append(r.resumeTokens, resumeToken)

	var script Script
	switch {
	case len(r.segments) == 0:
		script = demoResume(instruction)
	case r.next >= len(r.segments):
		r.mu.Unlock()
		return nil, fmt.Errorf("scripted runner: no segment left for resume %q", resumeToken)
	default:
		script = r.segments[r.next]
		r.next++
	}
	deaf := r.deaf
	r.mu.Unlock()

	return r.play(ctx, script, deaf), nil
}

func (r *Runner) play(ctx context.Context, script Script, deaf bool) <-chan ports.RunnerEvent {
	out := make(chan ports.RunnerEvent)
	go func() {
		defer close(out)
		for _, step := range script {
			if !deaf && ctx.Err() != nil {
				flushInterrupted(out)
				return
			}
			if step.Delay > 0 && !sleep(ctx, step.Delay, deaf) {
				flushInterrupted(out)
				return
			}
			if step.Block {
				select {
				case <-r.release:
					if ctx.Err() != nil {
						// Released during test cleanup; nobody is
						// listening anymore.
						return
					}
				case <-cancellation(ctx, deaf):
					flushInterrupted(out)
					return
				}
			}

			ev := ports.RunnerEvent{
				Type:        step.Type,
				Payload:     step.Payload,
				Usage:       step.Usage,
				ResumeToken: step.ResumeToken,
			}
			if deaf {
				out <- ev
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				flushInterrupted(out)
				return
			}
		}
	}()
	return out
}

// cancellation returns the context's done channel, or a channel that never
// fires for deaf runners.
func cancellation(ctx context.Context, deaf bool) <-chan struct{} {
	if deaf {
		return nil
	}
	return ctx.Done()
}

// flushInterrupted plays the cooperative goodbye: one final lifecycle event,
// delivered only if the consumer is still listening.
func flushInterrupted(out chan<- ports.RunnerEvent) {
	ev := ports.RunnerEvent{
		Type:    domain.EventRunInterrupted,
		Payload: map[string]any{"reason": "cancelled by coordinator"},
	}
	select {
	case out <- ev:
	case <-time.After(flushTimeout):
	}
}

func sleep(ctx context.Context, d time.Duration, deaf bool) bool {
	if deaf {
		time.Sleep(d)
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// demoStart is the conversation played when no segments were configured. It
// touches every event category so a dev-mode session shows hooks, chunks and
// lifecycle traffic.
func demoStart(runID, instruction string) Script {
	token := "scripted-" + runID
	return Script{
		{Type: domain.EventRunStarted, Payload: map[string]any{"message": "scripted collaborator attached"}, ResumeToken: token},
		{Type: domain.EventThinkingChunk, Payload: map[string]any{"text": "Considering the request."}, Delay: 150 * time.Millisecond},
		{Type: domain.EventToolInvoked, Payload: map[string]any{"tool": "echo", "args": map[string]any{"text": instruction}}, Delay: 150 * time.Millisecond},
		{Type: domain.EventToolCompleted, Payload: map[string]any{"tool": "echo", "result": instruction}, Delay: 150 * time.Millisecond},
		{Type: domain.EventTextChunk, Payload: map[string]any{"text": "Echo: " + instruction}, Delay: 150 * time.Millisecond},
		{Type: domain.EventRunCompleted, Payload: map[string]any{"message": "scripted run finished"},
			Usage: &ports.Usage{Model: "scripted-1", InputTokens: 24, OutputTokens: 48}, Delay: 150 * time.Millisecond},
	}
}

func demoResume(instruction string) Script {
	return Script{
		{Type: domain.EventTextChunk, Payload: map[string]any{"text": "Echo: " + instruction}, Delay: 150 * time.Millisecond},
		{Type: domain.EventRunCompleted, Payload: map[string]any{"message": "scripted run finished"},
			Usage: &ports.Usage{Model: "scripted-1", InputTokens: 12, OutputTokens: 24}, Delay: 150 * time.Millisecond},
	}
}

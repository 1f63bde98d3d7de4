// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/DualNBack/services/nback/clock"
)

// historyCapacityHint sizes History for a typical block.
const historyCapacityHint = DefaultTrialsPerBlock

// =============================================================================
// Options
// =============================================================================

// ControllerOptions configures a Controller.
//
// Every field is optional.
type ControllerOptions struct {
	// Config is the initial run configuration. Zero value means
	// DefaultRunConfig(). Always normalized.
	Config *RunConfig

	// Policy maps block accuracy to the next N. Zero fields take defaults.
	Policy DifficultyPolicy

	// Clock schedules ticks, window expiry and block pauses.
	// Default: clock.New().
	Clock clock.Clock

	// Generator draws stimuli. Default: NewSeededGenerator(Seed) when Seed
	// is non-zero, otherwise NewRandomGenerator().
	Generator Generator

	// Seed seeds the default generator and the target bias source.
	Seed uint64

	// Presenter receives every stimulus. Default: no-op.
	Presenter Presenter

	// Logger for controller events. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records engine metrics. Nil records nothing.
	Metrics *Metrics

	// NewSessionID returns the identifier of a new session.
	// Default: uuid.NewString.
	NewSessionID func() string
}

// =============================================================================
// Controller
// =============================================================================

// Controller runs dual n-back blocks.
//
// # Description
//
// Controller owns RunState, N, History and the Tally. It drives a
// self-rescheduling tick: every tick first resolves the previous trial's
// window, then either presents a new trial or, once TrialsPerBlock trials
// have been shown, evaluates the block, adjusts N and pauses before the
// next block.
//
// Every scheduled callback captures the epoch it was scheduled in. Stop and
// block resets bump the epoch, so a callback whose timer could not be
// stopped in time finds a different epoch and returns without touching
// state.
//
// Presenter calls and events are collected while the lock is held and
// delivered after it is released, in the order the state changes happened.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners and the Presenter must not call
// mutating methods synchronously; observers are fine.
type Controller struct {
	mu sync.Mutex

	clock     clock.Clock
	gen       Generator
	bias      *TargetBias
	presenter Presenter
	policy    DifficultyPolicy
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	newID     func() string

	// cfg is the configuration of the running block. pending holds the
	// latest requested configuration; it becomes cfg at the next block.
	cfg       RunConfig
	pending   RunConfig
	nOverride bool

	state     RunState
	epoch     uint64
	sessionID string
	block     int

	trialIdx     int
	closedTrials int
	history      *History
	tally        Tally
	window       *ResponseWindow
	current      Stimulus
	hasCurrent   bool
	lastResult   *BlockResult

	timers     *TimerSet
	tick       clock.Timer
	pause      clock.Timer
	blockStart time.Time
	blockSpan  trace.Span

	listeners  []listenerEntry
	listenerID uint64

	// Ordered delivery of batches outside mu.
	batchSeq     uint64
	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	dispatched   uint64
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// NewController creates an idle Controller.
//
// Inputs:
//   - opts: Controller options. All fields optional.
//
// Outputs:
//   - *Controller: The controller in StateIdle. Never nil.
func NewController(opts ControllerOptions) *Controller {
	cfg := DefaultRunConfig()
	if opts.Config != nil {
		cfg = opts.Config.Normalize()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	gen := opts.Generator
	if gen == nil {
		if opts.Seed != 0 {
			gen = NewSeededGenerator(opts.Seed)
		} else {
			gen = NewRandomGenerator()
		}
	}

	presenter := opts.Presenter
	if presenter == nil {
		presenter = PresenterFunc(func(Stimulus) {})
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newID := opts.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}

	policy := opts.Policy
	policy.ApplyDefaults()

	c := &Controller{
		clock:     clk,
		gen:       gen,
		bias:      NewTargetBias(opts.Seed),
		presenter: presenter,
		policy:    policy,
		logger:    logger.With(slog.String("component", "nback_engine")),
		metrics:   opts.Metrics,
		tracer:    otel.Tracer("nback.engine"),
		newID:     newID,
		cfg:       cfg,
		pending:   cfg,
		state:     StateIdle,
		history:   NewHistory(historyCapacityHint),
		timers:    NewTimerSet(),
	}
	c.dispatchCond = sync.NewCond(&c.dispatchMu)
	c.metrics.state(StateIdle, cfg.N)
	return c
}

// -----------------------------------------------------------------------------
// Control
// -----------------------------------------------------------------------------

// Start begins a new session.
//
// Description:
//
//	Idle -> Running. Clears History and the Tally, applies the pending
//	configuration, and schedules the first tick immediately.
//
// Outputs:
//   - bool: False if the controller was not Idle; nothing changes.
func (c *Controller) Start() bool {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false
	}

	var b batch
	c.cfg = c.pending
	c.nOverride = false
	c.sessionID = c.newID()
	c.block = 0
	c.lastResult = nil
	c.setStateLocked(&b, StateRunning)
	c.beginBlockLocked()

	c.logger.Info("session started",
		slog.String("session_id", c.sessionID),
		slog.Int("n", c.cfg.N),
		slog.Duration("tick_interval", c.cfg.TickInterval),
		slog.Int("trials_per_block", c.cfg.TrialsPerBlock),
	)
	c.unlockAndDispatch(&b)
	return true
}

// Stop ends the session.
//
// Description:
//
//	Running or BlockTransition -> Idle. Cancels the tick, the block pause
//	and every armed expiry timer. The open trial is discarded unscored.
//	The Tally of the interrupted block stays readable until the next Start.
//
// Outputs:
//   - bool: False if the controller was already Idle.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return false
	}

	var b batch
	cancelled := c.cancelScheduledLocked()
	c.endBlockSpanLocked(codes.Unset, "stopped")
	c.setStateLocked(&b, StateIdle)

	c.logger.Info("session stopped",
		slog.String("session_id", c.sessionID),
		slog.Int("block", c.block),
		slog.Int("trial", c.trialIdx),
		slog.Int("timers_cancelled", cancelled),
	)
	c.unlockAndDispatch(&b)
	return true
}

// ResetBlock restarts the current block with the pending configuration.
//
// Description:
//
//	While active, the open trial is discarded unscored and a fresh block
//	starts immediately with cleared History and Tally. While Idle, only the
//	block state is cleared.
func (c *Controller) ResetBlock() {
	c.resetBlock(nil)
}

// ResetBlockWithN restarts the current block with N set to n.
//
// n is clamped to [MinN, MaxN].
func (c *Controller) ResetBlockWithN(n int) {
	c.resetBlock(&n)
}

func (c *Controller) resetBlock(n *int) {
	c.mu.Lock()
	var b batch
	if n != nil {
		c.pending.N = clampInt(*n, MinN, MaxN)
	}
	c.nOverride = false

	if c.state == StateIdle {
		c.cfg = c.pending
		c.clearBlockLocked()
		c.metrics.state(c.state, c.cfg.N)
		c.unlockAndDispatch(&b)
		return
	}

	c.cancelScheduledLocked()
	c.endBlockSpanLocked(codes.Unset, "reset")
	c.cfg = c.pending
	if c.state == StateRunning {
		// The interrupted block was never published; reuse its number.
		c.block--
	} else {
		c.setStateLocked(&b, StateRunning)
	}
	c.beginBlockLocked()

	c.logger.Info("block reset",
		slog.String("session_id", c.sessionID),
		slog.Int("block", c.block),
		slog.Int("n", c.cfg.N),
	)
	c.unlockAndDispatch(&b)
}

// SetN requests a new N.
//
// Description:
//
//	While Idle the change is immediate. While active it takes effect at the
//	next block boundary and overrides the difficulty policy's choice for
//	that boundary. The running block and its frozen trials are untouched.
//
// Outputs:
//   - int: The clamped N that will be used.
func (c *Controller) SetN(n int) int {
	cfg := c.SetConfig(ConfigPatch{N: &n})
	return cfg.N
}

// SetConfig applies a partial configuration change.
//
// Description:
//
//	N and TrialsPerBlock apply at the next block boundary (immediately while
//	Idle). Timing fields, Adaptive and TargetRate apply from the next trial.
//	A window that is already open keeps its expiry time.
//
// Inputs:
//   - patch: The fields to change. Nil fields are left unchanged.
//
// Outputs:
//   - RunConfig: The normalized configuration that will be used next.
func (c *Controller) SetConfig(patch ConfigPatch) RunConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if patch.IsEmpty() {
		return c.pending
	}

	next := patch.Apply(c.pending)
	if patch.N != nil && c.state != StateIdle {
		c.nOverride = true
	}
	c.pending = next

	if c.state == StateIdle {
		c.cfg = next
		c.metrics.state(c.state, c.cfg.N)
	} else {
		c.cfg.TickInterval = next.TickInterval
		c.cfg.ResponseWindow = next.ResponseWindow
		c.cfg.WindowMargin = next.WindowMargin
		c.cfg.BlockPause = next.BlockPause
		c.cfg.Adaptive = next.Adaptive
		c.cfg.TargetRate = next.TargetRate
	}

	c.logger.Debug("config updated",
		slog.Int("pending_n", next.N),
		slog.Duration("tick_interval", next.TickInterval),
		slog.Duration("response_window", next.ResponseWindow),
		slog.Int("trials_per_block", next.TrialsPerBlock),
	)
	return next
}

// SubmitResponse records a match press on ch for the current trial.
//
// Description:
//
//	Only the current window receives presses. A press on a channel that was
//	already answered this trial, or with no window open, is ignored.
//
// Outputs:
//   - SubmitResult: What happened to the press. Never an error.
func (c *Controller) SubmitResponse(ch Channel) SubmitResult {
	if !ch.Valid() {
		c.metrics.dropped(SubmitInvalid)
		return SubmitInvalid
	}

	c.mu.Lock()
	if c.state != StateRunning || c.window == nil {
		c.mu.Unlock()
		c.metrics.dropped(SubmitNoWindow)
		return SubmitNoWindow
	}

	outcome, ok := c.window.Submit(ch)
	if !ok {
		c.mu.Unlock()
		c.metrics.dropped(SubmitDuplicate)
		return SubmitDuplicate
	}

	var b batch
	var rt time.Duration
	if outcome == OutcomeHit {
		rt = c.clock.Now().Sub(c.window.OpenedAt())
		c.tally.RecordReaction(ch, rt)
	}
	c.recordLocked(&b, c.window.Trial(), ch, outcome, rt)

	if c.window.Closed() {
		c.retireWindowLocked()
	}
	c.unlockAndDispatch(&b)
	return SubmitAccepted
}

// Subscribe registers l for every subsequent event.
//
// Outputs:
//   - func(): Removes the listener. Safe to call more than once.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listenerID++
	id := c.listenerID
	c.listeners = append(c.listeners, listenerEntry{id: id, l: l})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Observers
// -----------------------------------------------------------------------------

// State returns the current RunState.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// N returns the N of the running block, or the N the next Start will use
// while Idle.
func (c *Controller) N() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.N
}

// TrialIndex returns how many trials of the current block have started.
func (c *Controller) TrialIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trialIdx
}

// Tally returns a copy of the current block's tally.
func (c *Controller) Tally() Tally {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tally
}

// CurrentStimulus returns the most recently presented stimulus of the
// current block.
func (c *Controller) CurrentStimulus() (Stimulus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.hasCurrent
}

// Config returns the configuration that the next block or Start will use.
func (c *Controller) Config() RunConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SessionID returns the current or last session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Block returns the 1-based block number of the session, 0 before Start.
func (c *Controller) Block() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// LastResult returns the most recent completed block of the session.
func (c *Controller) LastResult() (BlockResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return BlockResult{}, false
	}
	return *c.lastResult, true
}

// Snapshot returns a consistent copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:          c.state,
		SessionID:      c.sessionID,
		Block:          c.block,
		N:              c.cfg.N,
		PendingN:       c.pending.N,
		TrialIndex:     c.trialIdx,
		TrialsPerBlock: c.cfg.TrialsPerBlock,
		ClosedTrials:   c.closedTrials,
		Tally:          c.tally,
		Accuracy:       c.tally.CombinedAccuracy(),
		Config:         c.pending,
	}
	if c.hasCurrent {
		cur := c.current
		s.Current = &cur
	}
	return s
}

// -----------------------------------------------------------------------------
// Scheduled callbacks
// -----------------------------------------------------------------------------

func (c *Controller) onTick(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateRunning {
		c.mu.Unlock()
		return
	}

	var b batch
	c.expireWindowLocked(&b)

	if c.trialIdx >= c.cfg.TrialsPerBlock {
		c.finishBlockLocked(&b)
	} else {
		c.scheduleTickLocked(c.cfg.TickInterval)
		c.startTrialLocked(&b)
	}
	c.unlockAndDispatch(&b)
}

func (c *Controller) onWindowExpired(epoch uint64, trial int) {
	c.mu.Lock()
	if epoch != c.epoch || c.window == nil || c.window.Trial() != trial {
		c.mu.Unlock()
		return
	}

	var b batch
	c.expireWindowLocked(&b)
	c.unlockAndDispatch(&b)
}

func (c *Controller) onPauseElapsed(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateBlockTransition {
		c.mu.Unlock()
		return
	}

	var b batch
	c.pause = nil
	c.cfg = c.pending
	c.setStateLocked(&b, StateRunning)
	c.beginBlockLocked()
	c.unlockAndDispatch(&b)
}

// -----------------------------------------------------------------------------
// Locked helpers
// -----------------------------------------------------------------------------

// beginBlockLocked starts the next block of the session and schedules its
// first tick immediately.
func (c *Controller) beginBlockLocked() {
	c.cancelScheduledLocked()
	c.clearBlockLocked()
	c.nOverride = false
	c.block++
	c.blockStart = c.clock.Now()

	_, c.blockSpan = c.tracer.Start(context.Background(), "engine.Block",
		trace.WithTimestamp(c.blockStart),
		trace.WithAttributes(
			attribute.String("nback.session_id", c.sessionID),
			attribute.Int("nback.block", c.block),
			attribute.Int("nback.n", c.cfg.N),
			attribute.Int("nback.trials_per_block", c.cfg.TrialsPerBlock),
		),
	)
	c.metrics.state(c.state, c.cfg.N)
	c.scheduleTickLocked(0)
}

func (c *Controller) clearBlockLocked() {
	c.history.Reset()
	c.tally.Reset()
	c.trialIdx = 0
	c.closedTrials = 0
	c.window = nil
	c.current = Stimulus{}
	c.hasCurrent = false
}

// cancelScheduledLocked stops every outstanding timer and invalidates any
// callback that already fired but has not acquired the lock yet. The open
// window is discarded unscored.
func (c *Controller) cancelScheduledLocked() int {
	c.epoch++
	n := c.timers.DisarmAll()
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
		n++
	}
	if c.pause != nil {
		c.pause.Stop()
		c.pause = nil
		n++
	}
	c.window = nil
	return n
}

func (c *Controller) scheduleTickLocked(d time.Duration) {
	epoch := c.epoch
	c.tick = c.clock.AfterFunc(d, func() { c.onTick(epoch) })
}

func (c *Controller) startTrialLocked(b *batch) {
	s := c.gen.Next()
	if c.cfg.TargetRate > 0 {
		s = c.bias.Apply(s, c.history, c.cfg.N, c.cfg.TargetRate)
	}

	idx := c.history.Append(s)
	truth := DetectMatch(c.history, idx, c.cfg.N)
	now := c.clock.Now()
	c.window = OpenWindow(idx, truth, now)

	epoch := c.epoch
	c.timers.Arm(idx, c.clock.AfterFunc(c.cfg.ResponseWindow, func() {
		c.onWindowExpired(epoch, idx)
	}))

	c.trialIdx++
	c.current = s
	c.hasCurrent = true
	c.metrics.trial()

	b.present(s)
	b.emit(c.eventLocked(EventTrialStarted, func(e *Event) {
		e.Trial = idx
		e.Stimulus = s
		e.Truth = truth
		e.Time = now
	}))
}

// expireWindowLocked resolves the current window, scoring misses.
func (c *Controller) expireWindowLocked(b *batch) {
	if c.window == nil {
		return
	}
	trial := c.window.Trial()
	for _, co := range c.window.Expire() {
		c.recordLocked(b, trial, co.Channel, co.Outcome, 0)
	}
	c.retireWindowLocked()
}

func (c *Controller) retireWindowLocked() {
	c.timers.Disarm(c.window.Trial())
	c.closedTrials++
	c.window = nil
}

func (c *Controller) recordLocked(b *batch, trial int, ch Channel, o Outcome, rt time.Duration) {
	c.tally.Record(ch, o)
	c.metrics.outcome(ch, o, rt)
	b.emit(c.eventLocked(EventOutcome, func(e *Event) {
		e.Trial = trial
		e.Channel = ch
		e.Outcome = o
		e.ReactionTime = rt
	}))
}

func (c *Controller) finishBlockLocked(b *batch) {
	c.timers.DisarmAll()
	c.tick = nil
	c.setStateLocked(b, StateBlockTransition)

	acc := c.tally.CombinedAccuracy()
	next, decision := c.cfg.N, DecisionHold
	if c.cfg.Adaptive {
		next, decision = c.policy.Next(c.cfg.N, acc)
	}
	if c.nOverride {
		next = c.pending.N
		decision = compareN(c.cfg.N, next)
	}
	c.pending.N = next
	c.nOverride = false

	now := c.clock.Now()
	result := BlockResult{
		SessionID: c.sessionID,
		Block:     c.block,
		N:         c.cfg.N,
		NextN:     next,
		Decision:  decision,
		Trials:    c.trialIdx,
		Tally:     c.tally,
		Accuracy:  acc,
		StartedAt: c.blockStart,
		EndedAt:   now,
	}
	c.lastResult = &result
	c.metrics.block(result)

	if c.blockSpan != nil {
		c.blockSpan.SetAttributes(
			attribute.Float64("nback.accuracy", acc),
			attribute.Int("nback.next_n", next),
			attribute.String("nback.decision", decision.String()),
		)
	}
	c.endBlockSpanLocked(codes.Ok, "")

	c.logger.Info("block completed",
		slog.String("session_id", c.sessionID),
		slog.Int("block", c.block),
		slog.Int("n", c.cfg.N),
		slog.Int("next_n", next),
		slog.String("decision", decision.String()),
		slog.Float64("accuracy", acc),
	)

	b.emit(c.eventLocked(EventBlockCompleted, func(e *Event) {
		e.Result = &result
		e.Time = now
	}))

	epoch := c.epoch
	c.pause = c.clock.AfterFunc(c.cfg.BlockPause, func() { c.onPauseElapsed(epoch) })
}

func (c *Controller) endBlockSpanLocked(code codes.Code, desc string) {
	if c.blockSpan == nil {
		return
	}
	if code != codes.Unset {
		c.blockSpan.SetStatus(code, desc)
	} else if desc != "" {
		c.blockSpan.AddEvent(desc)
	}
	c.blockSpan.End(trace.WithTimestamp(c.clock.Now()))
	c.blockSpan = nil
}

func (c *Controller) setStateLocked(b *batch, s RunState) {
	prev := c.state
	if prev == s {
		return
	}
	c.state = s
	c.metrics.state(s, c.cfg.N)
	b.emit(c.eventLocked(EventStateChanged, func(e *Event) {
		e.Previous = prev
	}))
}

func (c *Controller) eventLocked(kind EventKind, fill func(e *Event)) Event {
	e := Event{
		Kind:      kind,
		Time:      c.clock.Now(),
		SessionID: c.sessionID,
		Block:     c.block,
		N:         c.cfg.N,
		State:     c.state,
		Tally:     c.tally,
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

func compareN(from, to int) Decision {
	switch {
	case to > from:
		return DecisionAdvance
	case to < from:
		return DecisionRetreat
	default:
		return DecisionHold
	}
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// unlockAndDispatch releases mu and delivers b.
//
// Batches are numbered under mu and delivered strictly in that order, so
// listeners observe events in the order the state changed even when ticks,
// expiry and presses race.
func (c *Controller) unlockAndDispatch(b *batch) {
	if b.empty() {
		c.mu.Unlock()
		return
	}

	c.batchSeq++
	seq := c.batchSeq
	listeners := make([]Listener, len(c.listeners))
	for i, e := range c.listeners {
		listeners[i] = e.l
	}
	presenter := c.presenter
	c.mu.Unlock()

	c.dispatchMu.Lock()
	for c.dispatched != seq-1 {
		c.dispatchCond.Wait()
	}
	c.dispatchMu.Unlock()

	for _, item := range b.items {
		if item.present {
			c.safePresent(presenter, item.stimulus)
			continue
		}
		for _, l := range listeners {
			c.safeNotify(l, item.event)
		}
	}

	c.dispatchMu.Lock()
	c.dispatched = seq
	c.dispatchCond.Broadcast()
	c.dispatchMu.Unlock()
}

func (c *Controller) safePresent(p Presenter, s Stimulus) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.presenterFailure()
			c.logger.Error("presenter panicked",
				slog.String("stimulus", s.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	p.Present(s)
}

func (c *Controller) safeNotify(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.presenterFailure()
			c.logger.Error("listener panicked",
				slog.String("event", e.Kind.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.OnEvent(e)
}

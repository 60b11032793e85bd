// Package cron implements the Cron Engine (spec §4.G): persistent
// scheduling of main-session system events and isolated agent runs,
// driven by a single cooperative ticker.
//
// No internal/cron package survived in the teacher's retrieved pack (only
// its call sites in cmd/gateway_cron.go and config.CronConfig.ToRetryConfig
// did) — the ticker/due-query/reschedule-or-disable shape is grounded on
// nevindra-oasis's internal/scheduling/scheduler.go, and RetryConfig's
// field names were reverse-engineered from ToRetryConfig's call site.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/store"
)

// RetryConfig bounds retries of a single job's execution hook, matching
// the shape config.CronConfig.ToRetryConfig already targets.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// ScheduleKind is the tagged variant over a job's trigger shape (§9 design
// note: tagged variants over subclassing).
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Target is where a job's payload runs.
type Target string

const (
	TargetMain     Target = "main"
	TargetIsolated Target = "isolated"
)

// WakeMode controls whether a main-target job additionally nudges the
// heartbeat loop once its system event is enqueued.
type WakeMode string

const (
	WakeNow  WakeMode = "now"
	WakeNone WakeMode = "none"
)

// Status is the RunRecord/job outcome tag.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Job is the runtime CronJob (§3), built from a store.CronJobRecord.
type Job struct {
	ID      string
	Name    string
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time

	ScheduleKind ScheduleKind
	At           time.Time
	Every        time.Duration
	Anchor       time.Time
	Expr         string
	TZ           string

	Target   Target
	WakeMode WakeMode

	PayloadText    string
	PayloadMessage string
	PayloadModel   string

	DeleteAfterRun bool

	NextRunAt  time.Time
	RunningAt  time.Time
	LastStatus Status
	LastError  string
	LastRunAt  time.Time
	RunCount   int
}

func jobFromRecord(r *store.CronJobRecord) *Job {
	j := &Job{
		ID: r.ID, Name: r.Name, Enabled: r.Enabled,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		ScheduleKind: ScheduleKind(r.ScheduleKind),
		Expr:         r.ScheduleExpr, TZ: r.ScheduleTZ,
		Target: Target(r.Target), WakeMode: WakeMode(r.WakeMode),
		PayloadText: r.PayloadText, PayloadMessage: r.PayloadMessage, PayloadModel: r.PayloadModel,
		DeleteAfterRun: r.DeleteAfterRun,
		LastStatus:     Status(r.LastStatus), LastError: r.LastError,
		RunCount: r.RunCount,
	}
	if r.ScheduleAtMs > 0 {
		j.At = time.UnixMilli(r.ScheduleAtMs)
	}
	if r.ScheduleEveryMs > 0 {
		j.Every = time.Duration(r.ScheduleEveryMs) * time.Millisecond
	}
	if r.ScheduleAnchor > 0 {
		j.Anchor = time.UnixMilli(r.ScheduleAnchor)
	}
	if r.NextRunAtMs > 0 {
		j.NextRunAt = time.UnixMilli(r.NextRunAtMs)
	}
	if r.RunningAtMs > 0 {
		j.RunningAt = time.UnixMilli(r.RunningAtMs)
	}
	if r.LastRunAtMs > 0 {
		j.LastRunAt = time.UnixMilli(r.LastRunAtMs)
	}
	return j
}

func (j *Job) toRecord() *store.CronJobRecord {
	r := &store.CronJobRecord{
		ID: j.ID, Name: j.Name, Enabled: j.Enabled,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
		ScheduleKind: string(j.ScheduleKind),
		ScheduleExpr: j.Expr, ScheduleTZ: j.TZ,
		Target: string(j.Target), WakeMode: string(j.WakeMode),
		PayloadText: j.PayloadText, PayloadMessage: j.PayloadMessage, PayloadModel: j.PayloadModel,
		DeleteAfterRun: j.DeleteAfterRun,
		LastStatus:     string(j.LastStatus), LastError: j.LastError,
		RunCount: j.RunCount,
	}
	if !j.At.IsZero() {
		r.ScheduleAtMs = j.At.UnixMilli()
	}
	if j.Every > 0 {
		r.ScheduleEveryMs = j.Every.Milliseconds()
	}
	if !j.Anchor.IsZero() {
		r.ScheduleAnchor = j.Anchor.UnixMilli()
	}
	if !j.NextRunAt.IsZero() {
		r.NextRunAtMs = j.NextRunAt.UnixMilli()
	}
	if !j.RunningAt.IsZero() {
		r.RunningAtMs = j.RunningAt.UnixMilli()
	}
	if !j.LastRunAt.IsZero() {
		r.LastRunAtMs = j.LastRunAt.UnixMilli()
	}
	return r
}

// computeNextRun implements §4.G's three schedule-kind formulas.
func computeNextRun(j *Job, now time.Time) (time.Time, error) {
	switch j.ScheduleKind {
	case ScheduleAt:
		return j.At, nil

	case ScheduleEvery:
		if j.Every <= 0 {
			return time.Time{}, engineerr.New(engineerr.ValidationError, "every schedule requires a positive interval")
		}
		anchor := j.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		if now.Before(anchor) {
			return anchor, nil
		}
		elapsed := now.Sub(anchor)
		k := elapsed / j.Every
		if elapsed%j.Every != 0 {
			k++
		}
		next := anchor.Add(k * j.Every)
		if !next.After(now) {
			next = next.Add(j.Every)
		}
		return next, nil

	case ScheduleCron:
		loc := time.UTC
		if j.TZ != "" {
			if l, err := time.LoadLocation(j.TZ); err == nil {
				loc = l
			}
		}
		ref := now.In(loc)
		next, err := gronx.NextTickAfter(j.Expr, ref, false)
		if err != nil {
			return time.Time{}, engineerr.Wrap(engineerr.ValidationError, "invalid cron expression", err)
		}
		return next, nil

	default:
		return time.Time{}, engineerr.New(engineerr.ValidationError, fmt.Sprintf("unknown schedule kind %q", j.ScheduleKind))
	}
}

// Hooks are the side-door callbacks the Engine invokes for job execution.
// All are optional; an absent hook means the corresponding step is
// skipped, never an error, per §4.G's uniform "hook absent ⇒ skip" design
// (see DESIGN.md Open Question decision).
type Hooks struct {
	// EnqueueSystemEvent injects a synthetic user turn and drives the
	// Agentic Loop as if it were a real message (§4.G execution step 2).
	EnqueueSystemEvent func(ctx context.Context, text string, agentID string) error

	// RunHeartbeatOnce is invoked for wake_mode=now jobs; a
	// "requests-in-flight" skip is retried by the Engine per §4.G step 3.
	RunHeartbeatOnce func(ctx context.Context) (status Status, reason string, err error)

	// RequestHeartbeat prompts the main loop to process an injected event.
	RequestHeartbeat func(reason string)

	// RunIsolatedAgentJob executes an isolated-target job's payload.
	RunIsolatedAgentJob func(ctx context.Context, job *Job, message string) (status Status, summary string, err error)
}

// Listener receives job lifecycle transitions (§4.G: added/updated/
// removed/started/finished), invoked cooperatively on the scheduler
// goroutine — listeners must not block.
type Listener func(event string, job *Job, rec store.RunRecord)

// Engine is the Cron Engine: an in-memory job map backed by a CronStore,
// driven by a single ticker.
type Engine struct {
	store     store.CronStore
	hooks     Hooks
	retry     RetryConfig
	listeners []Listener

	// mu is the single exclusive lock around add/update/remove/run (§5):
	// the ticker goroutine takes it when computing the due-job set and
	// when mutating job/map state, and HTTP handlers on internal/control's
	// goroutines take it for Add/Remove/Get/List.
	mu   sync.Mutex
	jobs map[string]*Job

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cs store.CronStore, hooks Hooks, retry RetryConfig) *Engine {
	return &Engine{
		store: cs, hooks: hooks, retry: retry,
		jobs:   make(map[string]*Job),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OnEvent registers a lifecycle listener.
func (e *Engine) OnEvent(l Listener) { e.listeners = append(e.listeners, l) }

func (e *Engine) emit(event string, j *Job, rec store.RunRecord) {
	for _, l := range e.listeners {
		l(event, j, rec)
	}
}

// Load seeds the Engine's in-memory catalog from the CronStore, clearing
// any stuck "running" state older than 2h (§4.G: "a stuck running_at_ms
// older than 2h is cleared on startup and logged").
func (e *Engine) Load(ctx context.Context) error {
	recs, err := e.store.LoadJobs()
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range recs {
		j := jobFromRecord(r)
		if !j.RunningAt.IsZero() && now.Sub(j.RunningAt) > 2*time.Hour {
			slog.Warn("cron: clearing stuck running job on startup", "job_id", j.ID, "running_since", j.RunningAt)
			j.RunningAt = time.Time{}
		}
		e.jobs[j.ID] = j
	}
	return nil
}

// persist assumes e.mu is already held by the caller.
func (e *Engine) persist() error {
	recs := make([]*store.CronJobRecord, 0, len(e.jobs))
	for _, j := range e.jobs {
		recs = append(recs, j.toRecord())
	}
	return e.store.SaveJobs(recs)
}

// Add registers a new job (recomputing next_run_at_ms) and persists the
// catalog.
func (e *Engine) Add(j *Job) error {
	if j.ID == "" {
		return engineerr.New(engineerr.ValidationError, "job id required")
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	next, err := computeNextRun(j, now)
	if err != nil {
		return err
	}
	j.NextRunAt = next

	e.mu.Lock()
	e.jobs[j.ID] = j
	err = e.persist()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.emit("added", j, store.RunRecord{})
	return nil
}

func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.jobs, id)
	err := e.persist()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.emit("removed", j, store.RunRecord{})
	return nil
}

func (e *Engine) Get(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

func (e *Engine) List() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j)
	}
	return out
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called
// (§5: single cooperative ticker, due jobs dispatched serially).
func (e *Engine) Start(ctx context.Context) {
	defer close(e.doneCh)
	for {
		wait := e.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.runDueJobs(ctx)
		}
	}
}

func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// nextWait computes min(next_run_at_ms) - now, clamped to [1ms, 60s].
func (e *Engine) nextWait() time.Duration {
	now := time.Now()
	best := 60 * time.Second
	found := false

	e.mu.Lock()
	for _, j := range e.jobs {
		if !j.Enabled || j.NextRunAt.IsZero() {
			continue
		}
		d := j.NextRunAt.Sub(now)
		if !found || d < best {
			best, found = d, true
		}
	}
	e.mu.Unlock()

	if best < time.Millisecond {
		best = time.Millisecond
	}
	if best > 60*time.Second {
		best = 60 * time.Second
	}
	return best
}

// runDueJobs takes the lock only to compute the due-job set (§5): the
// jobs it selects are then run one at a time outside the lock, so a
// slow-running job doesn't block concurrent Add/Remove/Get/List calls
// from internal/control's HTTP handlers.
func (e *Engine) runDueJobs(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	var due []*Job
	for _, j := range e.jobs {
		if !j.Enabled || j.NextRunAt.IsZero() || j.NextRunAt.After(now) {
			continue
		}
		if !j.RunningAt.IsZero() && now.Sub(j.RunningAt) < 2*time.Hour {
			continue // already running, not stuck — skip until it finishes
		}
		due = append(due, j)
	}
	e.mu.Unlock()

	for _, j := range due {
		e.run(ctx, j)
	}

	e.mu.Lock()
	err := e.persist()
	e.mu.Unlock()
	if err != nil {
		slog.Warn("cron: persist after run failed", "err", err)
	}
}

func (e *Engine) run(ctx context.Context, j *Job) {
	e.mu.Lock()
	j.RunningAt = time.Now()
	e.mu.Unlock()

	started := store.RunRecord{JobID: j.ID, Action: "started", TsMs: time.Now().UnixMilli()}
	_ = e.store.AppendRun(j.ID, started)
	e.emit("started", j, started)

	var status Status
	var summary, errMsg string
	startedAt := time.Now()

	switch j.Target {
	case TargetMain:
		status, errMsg = e.runWithRetry(ctx, j, e.runMain)
	case TargetIsolated:
		status, summary, errMsg = e.runIsolated(ctx, j)
	default:
		status, errMsg = StatusError, fmt.Sprintf("unknown target %q", j.Target)
	}

	e.mu.Lock()
	j.RunningAt = time.Time{}
	j.LastStatus = status
	j.LastError = errMsg
	j.LastRunAt = time.Now()
	j.RunCount++
	e.mu.Unlock()

	finished := store.RunRecord{
		JobID: j.ID, Action: "finished", Status: string(status),
		TsMs: time.Now().UnixMilli(), DurationMs: time.Since(startedAt).Milliseconds(),
		Summary: summary, Error: errMsg,
	}
	_ = e.store.AppendRun(j.ID, finished)
	e.emit("finished", j, finished)

	e.reschedule(j, status)
}

// runWithRetry retries a target=main execution on error, honoring
// CronConfig's RetryConfig (§7: transient failures get bounded retry with
// exponential backoff, distinct from the Agentic Loop's provider failover).
// A StatusSkipped outcome is not an error and is never retried.
func (e *Engine) runWithRetry(ctx context.Context, j *Job, fn func(context.Context, *Job) (Status, string)) (Status, string) {
	delay := e.retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	var status Status
	var errMsg string
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		status, errMsg = fn(ctx, j)
		if status != StatusError {
			return status, errMsg
		}
		if attempt == e.retry.MaxRetries {
			return status, errMsg
		}
		wait := delay
		if e.retry.MaxDelay > 0 && wait > e.retry.MaxDelay {
			wait = e.retry.MaxDelay
		}
		select {
		case <-ctx.Done():
			return status, errMsg
		case <-time.After(wait):
		}
		delay *= 2
	}
	return status, errMsg
}

// runMain implements §4.G's target=main execution steps 2-4.
func (e *Engine) runMain(ctx context.Context, j *Job) (Status, string) {
	text := j.PayloadText
	if text == "" {
		text = j.PayloadMessage
	}
	if isBlank(text) {
		return StatusSkipped, "empty-payload"
	}

	if e.hooks.EnqueueSystemEvent != nil {
		if err := e.hooks.EnqueueSystemEvent(ctx, text, ""); err != nil {
			return StatusError, err.Error()
		}
	}

	status := StatusOK
	if j.WakeMode == WakeNow && e.hooks.RunHeartbeatOnce != nil {
		status = e.retryHeartbeat(ctx)
	}

	if e.hooks.RequestHeartbeat != nil {
		e.hooks.RequestHeartbeat("cron:" + j.ID)
	}
	return status, ""
}

// retryHeartbeat polls run_heartbeat_once every 250ms for up to 120s while
// it reports "skipped: requests-in-flight" (§4.G step 3).
func (e *Engine) retryHeartbeat(ctx context.Context) Status {
	deadline := time.Now().Add(120 * time.Second)
	for {
		status, reason, err := e.hooks.RunHeartbeatOnce(ctx)
		if err != nil {
			return StatusError
		}
		if status != StatusSkipped || reason != "requests-in-flight" {
			return status
		}
		if time.Now().After(deadline) {
			return StatusSkipped
		}
		select {
		case <-ctx.Done():
			return StatusSkipped
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// runIsolated implements §4.G's target=isolated execution.
func (e *Engine) runIsolated(ctx context.Context, j *Job) (Status, string, string) {
	if e.hooks.RunIsolatedAgentJob == nil {
		return StatusSkipped, "", "isolated-not-configured"
	}
	message := j.PayloadMessage
	if message == "" {
		message = j.PayloadText
	}
	status, summary, err := e.hooks.RunIsolatedAgentJob(ctx, j, message)
	if err != nil {
		return StatusError, summary, err.Error()
	}
	if j.WakeMode == WakeNow && e.hooks.RequestHeartbeat != nil {
		e.hooks.RequestHeartbeat("cron:" + j.ID + ":post")
	}
	return status, summary, ""
}

// reschedule implements §4.G's state machine transition out of `running`.
func (e *Engine) reschedule(j *Job, status Status) {
	oneShot := j.ScheduleKind == ScheduleAt

	if status == StatusSkipped {
		// Skipped jobs remain scheduled (retryable), one-shot or not.
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if oneShot {
		if j.DeleteAfterRun {
			delete(e.jobs, j.ID)
		} else {
			j.Enabled = false
		}
		return
	}

	next, err := computeNextRun(j, time.Now())
	if err != nil {
		slog.Warn("cron: failed to recompute next run, disabling job", "job_id", j.ID, "err", err)
		j.Enabled = false
		return
	}
	j.NextRunAt = next
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

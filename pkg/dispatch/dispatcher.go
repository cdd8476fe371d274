// Package dispatch issues agent tasks in execution-group batches. The
// substrate only parallelizes invocations that are contiguous and homogeneous
// in kind, and mixing groups silently degrades parallel work to sequential
// execution without failing. The dispatcher therefore never mixes groups
// within one issuance: every batch is validated for homogeneity, and a
// dispatcher-wide mutex keeps issuances from interleaving.
//
// Per-task invocation concerns (retry, backoff, model fallback) belong to the
// agent Invoker. The dispatcher owns task creation and result writing: it
// records final classified results, feeds the event log and metrics, and
// hands warnings and partial results to the context collector.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
)

var (
	// ErrBatchInvalid rejects an issuance before any task runs: empty
	// batches, or tasks tagged for a different execution group than the
	// operation issuing them. Never retried.
	ErrBatchInvalid = errors.New("batch rejected")

	// ErrQuorumNotMet refuses a consolidation issuance when the prior
	// parallel batch produced fewer successes than the configured quorum.
	ErrQuorumNotMet = errors.New("consolidation quorum not met")
)

// Outcome classifies a finished batch.
type Outcome string

const (
	// OutcomePass means every task in the batch succeeded.
	OutcomePass Outcome = "pass"

	// OutcomeDegraded means some parallel siblings failed but enough
	// succeeded to meet quorum. Not a hard failure.
	OutcomeDegraded Outcome = "degraded"

	// OutcomeFail means the batch cannot carry its phase forward.
	OutcomeFail Outcome = "fail"
)

// BatchOutcome is the aggregate result of one issuance. Per-task results live
// in each task's result slot; the counts and classification here are what the
// state machine evaluates.
type BatchOutcome struct {
	Group     proto.ExecutionGroup
	Tasks     []*proto.Task
	Succeeded int
	Failed    int
	TimedOut  int
	Outcome   Outcome
	Events    []proto.ErrorEvent
}

func (o *BatchOutcome) tally(task *proto.Task) {
	switch {
	case task.Result == nil:
		// Sequential batches stop at the first failure and leave the
		// remaining result slots pending.
	case task.Result.Status == proto.TaskSucceeded:
		o.Succeeded++
	case task.Result.Status == proto.TaskTimeout:
		o.TimedOut++
	default:
		o.Failed++
	}
}

// ContextSink receives dispatch byproducts (warnings, partial-failure notes)
// for inclusion in the next flushed context payload. *contextmgr.Collector
// satisfies it.
type ContextSink interface {
	RegisterProducer(producer string) int
	Add(producer, content string) error
}

const contextProducer = "dispatcher"

// Dispatcher translates a phase's work into tasks and executes them while
// preserving the grouping invariant. One dispatcher serves one session run;
// the invoker behind it may be shared.
type Dispatcher struct {
	invoker  agent.Invoker
	config   *config.Config
	eventLog *eventlog.Writer
	recorder metrics.Recorder
	sink     ContextSink
	logger   *logx.Logger

	mu sync.Mutex // held for the duration of an issuance: batches never interleave

	// lastParallel holds the most recent parallel outcome for the quorum
	// check, and is consumed by the next consolidation issuance.
	lastParallel *BatchOutcome
}

// NewDispatcher creates a dispatcher bound to the given invoker. The event
// log and context sink are optional; a nil recorder disables metrics.
func NewDispatcher(cfg *config.Config, invoker agent.Invoker, eventLog *eventlog.Writer, recorder metrics.Recorder, sink ContextSink) (*Dispatcher, error) {
	if cfg == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher configuration is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if sink != nil {
		sink.RegisterProducer(contextProducer)
	}
	return &Dispatcher{
		invoker:  invoker,
		config:   cfg,
		eventLog: eventLog,
		recorder: recorder,
		sink:     sink,
		logger:   logx.NewLogger("dispatcher"),
	}, nil
}

// BuildTask creates a task bound to the configured per-group deadline. Task
// creation and result writing both live here: other components hold tasks by
// reference only.
func (d *Dispatcher) BuildTask(sessionID string, role proto.Role, inputRef string, group proto.ExecutionGroup) *proto.Task {
	return proto.NewTask(sessionID, role, inputRef, group, d.groupTimeout(group))
}

// DispatchPreparation executes administrative/setup tasks sequentially, in
// order, stopping at the first failure. A preparation batch must fully
// complete (or explicitly fail) before any other group is issued.
func (d *Dispatcher) DispatchPreparation(ctx context.Context, tasks []*proto.Task) (*BatchOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rejectInvalidBatch(proto.GroupPreparation, tasks); err != nil {
		return nil, err
	}
	return d.runSequential(ctx, proto.GroupPreparation, tasks), nil
}

// DispatchParallel issues all tasks in the batch concurrently, each under its
// own per-task timeout. A sibling's failure never cancels the rest: the batch
// waits for all tasks to finish or time out, then classifies the whole as
// pass, degraded (failures present but successes meet quorum), or fail.
func (d *Dispatcher) DispatchParallel(ctx context.Context, tasks []*proto.Task) (*BatchOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rejectInvalidBatch(proto.GroupParallel, tasks); err != nil {
		return nil, err
	}

	d.logger.Info("🚀 Issuing parallel batch: %d task(s)", len(tasks))

	// Closures always return nil so one sibling's failure never cancels the
	// group context; each task carries its own deadline inside runTask.
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			d.runTask(gctx, task)
			return nil
		})
	}
	_ = g.Wait()

	outcome := &BatchOutcome{Group: proto.GroupParallel, Tasks: tasks}
	for _, task := range tasks {
		outcome.tally(task)
	}
	d.finalize(outcome)
	d.lastParallel = outcome
	return outcome, nil
}

// DispatchConsolidation merges the surviving outputs of the prior parallel
// batch into each consolidation task's input, then runs the batch
// sequentially. It refuses to run unless the prior parallel batch produced at
// least the configured quorum of successes: a timed-out sibling is a missing
// vote, not a recoverable error.
func (d *Dispatcher) DispatchConsolidation(ctx context.Context, tasks []*proto.Task) (*BatchOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rejectInvalidBatch(proto.GroupConsolidation, tasks); err != nil {
		return nil, err
	}

	quorum := d.config.Dispatcher.ConsolidationQuorum
	votes := 0
	if d.lastParallel != nil {
		votes = d.lastParallel.Succeeded
	}
	if votes < quorum {
		d.logger.Warn("⚠️ Consolidation refused: %d of %d required vote(s) survived", votes, quorum)
		return nil, fmt.Errorf("%d vote(s) survived, quorum is %d: %w", votes, quorum, ErrQuorumNotMet)
	}

	merged := d.mergeSurvivors(d.lastParallel)
	d.lastParallel = nil
	for _, task := range tasks {
		if task.InputRef == "" {
			task.InputRef = merged
		} else {
			// The task's existing inline input is kept as a preamble above
			// the merged votes.
			task.InputRef = task.InputRef + "\n\n" + merged
		}
	}

	return d.runSequential(ctx, proto.GroupConsolidation, tasks), nil
}

// DispatchPresentation executes the final user-facing tasks, always
// sequentially.
func (d *Dispatcher) DispatchPresentation(ctx context.Context, tasks []*proto.Task) (*BatchOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rejectInvalidBatch(proto.GroupPresentation, tasks); err != nil {
		return nil, err
	}
	return d.runSequential(ctx, proto.GroupPresentation, tasks), nil
}

// rejectInvalidBatch enforces the grouping invariant. A rejected batch never
// runs: every task is marked failed with input_invalid so the rejection is
// journaled and never retried.
func (d *Dispatcher) rejectInvalidBatch(group proto.ExecutionGroup, tasks []*proto.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("empty %s batch: %w", group, ErrBatchInvalid)
	}

	reason := ""
	for _, task := range tasks {
		if task.Group != group {
			reason = fmt.Sprintf("task %s is tagged %s, batch is %s", task.ID, task.Group, group)
			break
		}
	}
	if reason == "" {
		return nil
	}

	d.logger.Error("❌ Rejected %s batch: %s", group, reason)
	for _, task := range tasks {
		task.Result = &proto.TaskResult{
			Status: proto.TaskFailed,
			Errors: []proto.ErrorEvent{proto.NewErrorEvent(proto.ErrCodeInputInvalid, proto.SeverityCritical,
				"batch rejected: %s", reason)},
		}
		d.recordTask(task)
	}
	return fmt.Errorf("%s: %w", reason, ErrBatchInvalid)
}

// runSequential executes tasks in order, stopping at the first failure.
// Callers hold the issuance mutex and have validated the batch.
func (d *Dispatcher) runSequential(ctx context.Context, group proto.ExecutionGroup, tasks []*proto.Task) *BatchOutcome {
	d.logger.Info("🚀 Issuing %s batch: %d task(s)", group, len(tasks))

	outcome := &BatchOutcome{Group: group, Tasks: tasks}
	for _, task := range tasks {
		d.runTask(ctx, task)
		outcome.tally(task)
		if !task.Succeeded() {
			d.logger.Warn("⚠️ %s batch stopped at task %s (%s)", group, task.ID, task.Result.Status)
			break
		}
	}
	d.finalize(outcome)
	return outcome
}

// runTask executes one task under its own deadline and records the final
// classified result. The result slot is written exactly once, here.
func (d *Dispatcher) runTask(ctx context.Context, task *proto.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, task.Deadline)
	defer cancel()

	start := time.Now()
	result, err := d.invoker.Invoke(taskCtx, task)
	if err != nil || result == nil {
		// The invoker classifies its own failures; an error here means the
		// invocation never produced a result at all.
		result = &proto.TaskResult{
			Status: proto.TaskFailed,
			Errors: []proto.ErrorEvent{proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityMedium,
				"task %s produced no result: %v", task.ID, err)},
			Elapsed: time.Since(start),
		}
	}
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(start)
	}
	task.Result = result
	d.recordTask(task)
}

// recordTask feeds the event log, metrics, and the context sink with one
// task's final classified result.
func (d *Dispatcher) recordTask(task *proto.Task) {
	result := task.Result
	switch result.Status {
	case proto.TaskSucceeded:
		d.logger.Info("✅ Task %s (%s) finished in %s", task.ID, task.Role, result.Elapsed)
	case proto.TaskTimeout:
		d.logger.Warn("⏰ Task %s (%s) timed out after %s", task.ID, task.Role, result.Elapsed)
	default:
		d.logger.Warn("❌ Task %s (%s) failed: %s", task.ID, task.Role, classification(result))
	}

	d.recorder.RecordTask(string(task.Role), string(task.Group), string(result.Status), result.Elapsed)

	if d.eventLog != nil {
		event := eventlog.NewEvent(eventlog.KindTaskResult, task.SessionID)
		event.TaskID = task.ID
		event.Role = string(task.Role)
		event.Group = string(task.Group)
		event.Status = string(result.Status)
		event.Detail = classification(result)
		if err := d.eventLog.Write(event); err != nil {
			d.logger.Error("Failed to journal task result: %v", err)
		}
	}

	if d.sink != nil && result.Status != proto.TaskSucceeded {
		note := fmt.Sprintf("Task %s (%s) %s: %s", task.ID, task.Role, result.Status, classification(result))
		if err := d.sink.Add(contextProducer, note); err != nil {
			d.logger.Debug("Context contribution dropped: %v", err)
		}
	}
}

// finalize classifies the batch and raises the partial-failure event when
// some parallel siblings failed while others succeeded. Severity escalates
// to critical when a failed task's role is marked required.
func (d *Dispatcher) finalize(outcome *BatchOutcome) {
	quorum := d.config.Dispatcher.ConsolidationQuorum
	switch {
	case outcome.Succeeded == len(outcome.Tasks):
		outcome.Outcome = OutcomePass
	case outcome.Group == proto.GroupParallel && outcome.Succeeded > 0 && outcome.Succeeded >= quorum:
		outcome.Outcome = OutcomeDegraded
	default:
		outcome.Outcome = OutcomeFail
	}

	if outcome.Group == proto.GroupParallel && outcome.Succeeded > 0 && outcome.Succeeded < len(outcome.Tasks) {
		severity := proto.SeverityMedium
		for _, task := range outcome.Tasks {
			if !task.Succeeded() && d.roleRequired(task.Role) {
				severity = proto.SeverityCritical
				break
			}
		}
		lost := len(outcome.Tasks) - outcome.Succeeded
		outcome.Events = append(outcome.Events, proto.NewErrorEvent(proto.ErrCodePartialFailure, severity,
			"%d of %d parallel task(s) did not succeed", lost, len(outcome.Tasks)))

		if d.sink != nil {
			note := fmt.Sprintf("Parallel batch %s: %d of %d task(s) survived", outcome.Outcome, outcome.Succeeded, len(outcome.Tasks))
			if err := d.sink.Add(contextProducer, note); err != nil {
				d.logger.Debug("Context contribution dropped: %v", err)
			}
		}
	}

	d.logger.Info("📊 %s batch outcome: %s (%d succeeded, %d failed, %d timed out)",
		outcome.Group, outcome.Outcome, outcome.Succeeded, outcome.Failed, outcome.TimedOut)
}

// mergeSurvivors assembles the consolidation input from the outputs of the
// surviving parallel tasks. An unreadable artifact contributes its reference
// instead of its content so a vote is never silently dropped.
func (d *Dispatcher) mergeSurvivors(prior *BatchOutcome) string {
	var b strings.Builder
	vote := 0
	for _, task := range prior.Tasks {
		if !task.Succeeded() {
			continue
		}
		vote++
		fmt.Fprintf(&b, "## Vote %d: %s\n\n", vote, task.Role)
		content, err := os.ReadFile(task.Result.OutputRef)
		if err != nil {
			d.logger.Warn("⚠️ Could not read output of task %s: %v", task.ID, err)
			b.WriteString(task.Result.OutputRef)
		} else {
			b.Write(content)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (d *Dispatcher) groupTimeout(group proto.ExecutionGroup) time.Duration {
	switch group {
	case proto.GroupParallel:
		return d.config.Dispatcher.ParallelTimeout
	case proto.GroupConsolidation:
		return d.config.Dispatcher.ConsolidationTimeout
	case proto.GroupPresentation:
		return d.config.Dispatcher.PresentationTimeout
	default:
		return d.config.Dispatcher.PreparationTimeout
	}
}

func (d *Dispatcher) roleRequired(role proto.Role) bool {
	if d.config.Workflow == nil {
		return false
	}
	for _, required := range d.config.Workflow.RequiredRoles {
		if required == string(role) {
			return true
		}
	}
	return false
}

// classification returns the message of the task's final classifying error
// event. The invoker appends the summarizing event last.
func classification(result *proto.TaskResult) string {
	if len(result.Errors) == 0 {
		return ""
	}
	return result.Errors[len(result.Errors)-1].Message
}

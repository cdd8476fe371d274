// Package workflow drives sessions through the phase machine: classification
// at entry, per-phase dispatch plans, quality-gate evaluation, bounded
// iteration loops with escalation, and checkpoint-based resume. The engine
// owns the session snapshot exclusively; every transition is persisted through
// the session store before it becomes externally visible.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/eventlog"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/monitor"
	"conductor/pkg/proto"
	"conductor/pkg/state"
	"conductor/pkg/utils"
)

// Artifact keys the engine maintains on the session.
const (
	artifactRequest        = "request"
	artifactPlan           = "plan"
	artifactImplementation = "implementation"
	artifactReview         = "review"
	artifactPresentation   = "presentation"
)

const contextProducerEngine = "workflow"

// Archiver receives session milestones for the history archive. Calls must
// not block the engine; the kernel adapter posts to the persistence worker.
type Archiver interface {
	SessionStarted(session *proto.Session)
	SessionFinished(sessionID string, status proto.SessionStatus, result string)
	GateDecided(sessionID string, phase proto.Phase, g proto.QualityGate, iteration int)
}

type nopArchiver struct{}

func (nopArchiver) SessionStarted(*proto.Session)                           {}
func (nopArchiver) SessionFinished(string, proto.SessionStatus, string)     {}
func (nopArchiver) GateDecided(string, proto.Phase, proto.QualityGate, int) {}

// NopArchiver returns an archiver that drops everything.
func NopArchiver() Archiver { return nopArchiver{} }

// Deps carries the engine's collaborators. Store, Dispatcher, Monitor,
// Collector, and Gates are required; the rest degrade gracefully when nil.
type Deps struct {
	Store        *state.Store
	Dispatcher   *dispatch.Dispatcher
	Monitor      *monitor.Monitor
	Prober       *ArtifactProber // enables background tracking of implementation work
	Collector    *contextmgr.Collector
	Gates        gate.Provider
	EventLog     *eventlog.Writer
	Recorder     metrics.Recorder
	Archiver     Archiver
	ArtifactsDir string
}

// phaseResult is the engine-internal outcome of running one phase's work.
type phaseResult int

const (
	phasePassed phaseResult = iota
	phaseFailed
	sessionEnded
)

// Engine is the workflow state machine. One engine can drive many sessions;
// each Run loop owns exactly one session at a time.
type Engine struct {
	cfg        config.Config
	store      *state.Store
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	prober     *ArtifactProber
	collector  *contextmgr.Collector
	gates      gate.Provider
	eventLog   *eventlog.Writer
	recorder   metrics.Recorder
	archiver   Archiver
	logger     *logx.Logger

	artifactsDir string

	mu      sync.Mutex
	tracked map[string][]string // sessionID -> background task IDs
}

// NewEngine creates a workflow engine.
func NewEngine(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if deps.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if deps.Gates == nil {
		return nil, fmt.Errorf("gate provider is required")
	}
	if cfg.Workflow == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("workflow and dispatcher configuration are required")
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	if deps.Archiver == nil {
		deps.Archiver = NopArchiver()
	}

	deps.Collector.RegisterProducer(contextProducerEngine)

	return &Engine{
		cfg:          cfg,
		store:        deps.Store,
		dispatcher:   deps.Dispatcher,
		monitor:      deps.Monitor,
		prober:       deps.Prober,
		collector:    deps.Collector,
		gates:        deps.Gates,
		eventLog:     deps.EventLog,
		recorder:     deps.Recorder,
		archiver:     deps.Archiver,
		logger:       logx.NewLogger("workflow"),
		artifactsDir: deps.ArtifactsDir,
		tracked:      make(map[string][]string),
	}, nil
}

// Start classifies the request, builds the session's phase records from the
// entry point's phase list and the classification skip set, persists the new
// session, and returns its ID. No phase work runs yet.
func (e *Engine) Start(request *Request, entry EntryPoint) (string, error) {
	if request == nil {
		return "", fmt.Errorf("request is required")
	}

	classification, ambiguous := Classify(request)
	if forced, ok := entry.ForcedClassification(); ok {
		classification = forced
		ambiguous = false
	}

	session := proto.NewSession(classification, entry.Phases())
	for phase, reason := range SkipPhases(classification) {
		if record := session.FindPhase(phase); record != nil {
			record.Status = proto.PhaseStatusSkipped
			record.SkipReason = reason
		}
	}
	if ambiguous {
		session.AppendAdvisory("request content is ambiguous, defaulting classification to mixed")
		if record := session.FindPhase(proto.PhaseClassifying); record != nil {
			record.Errors = append(record.Errors, proto.NewErrorEvent(
				proto.ErrCodeClassificationAmbiguous, proto.SeverityLow,
				"no classification signal in request content"))
		}
	}

	session.Artifacts[artifactRequest] = requestPayload(request)

	if err := e.store.Save(session); err != nil {
		return "", fmt.Errorf("failed to persist new session: %w", err)
	}

	e.logger.Info("🎬 Session %s started: classification=%s, entry=%s, %d phase(s)",
		session.ID, classification, entry, len(session.Phases))
	e.journal(eventlog.NewEvent(eventlog.KindSessionStarted, session.ID), func(ev *eventlog.Event) {
		ev.Detail = string(classification)
		ev.SetPayload("entry", string(entry))
		ev.SetPayload("title", request.Title)
	})
	e.archiver.SessionStarted(session)

	return session.ID, nil
}

// Run drives the session forward until it reaches a terminal status or an
// external decision cannot be obtained.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		session, err := e.load(sessionID)
		if err != nil {
			return err
		}
		if proto.IsTerminalSessionStatus(session.Status) {
			e.logger.Info("🏁 Session %s finished: %s", sessionID, session.Status)
			return nil
		}

		if err := e.Advance(ctx, sessionID); err != nil {
			return err
		}
	}
}

// Resume re-enters a session at its checkpoint: the first phase still owed
// work. Completed phases are never re-run. Resuming a delivered session is a
// no-op returning the prior result; a corrupt snapshot marks the session
// failed in the archive and is never repaired.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	session, err := e.load(sessionID)
	if err != nil {
		return err
	}

	if proto.IsTerminalSessionStatus(session.Status) {
		e.logger.Info("ℹ️ Session %s is already %s; nothing to resume (result: %s)",
			sessionID, session.Status, session.Result)
		return nil
	}

	checkpoint := session.Checkpoint()
	e.logger.Info("⏯️ Resuming session %s at %s (last completed: %s)",
		sessionID, checkpoint.Next, checkpoint.LastCompleted)

	return e.Run(ctx, sessionID)
}

// Abandon ends the session at the user's request. Tracked background tasks
// are cancelled best-effort and always land in a terminal detection state.
func (e *Engine) Abandon(_ context.Context, sessionID, reason string) error {
	session, err := e.load(sessionID)
	if err != nil {
		return err
	}
	if proto.IsTerminalSessionStatus(session.Status) {
		return fmt.Errorf("session %s is already %s", sessionID, session.Status)
	}
	return e.endSession(session, proto.SessionAbandoned, reason)
}

// Advance performs one step: it begins the session's current phase if needed,
// runs the phase's dispatch plan, evaluates its gates, and either completes
// the phase or enters the iteration loop.
func (e *Engine) Advance(ctx context.Context, sessionID string) error {
	session, err := e.load(sessionID)
	if err != nil {
		return err
	}
	if proto.IsTerminalSessionStatus(session.Status) {
		return nil
	}

	record := session.CurrentPhase()
	if record == nil {
		return e.endSession(session, proto.SessionCompleted, e.deliveredResult(session))
	}

	if record.Status == proto.PhaseStatusBlocked {
		return e.escalate(ctx, session, record)
	}

	if record.Status == proto.PhaseStatusPending {
		if err := e.beginPhase(session, record); err != nil {
			return err
		}
	}

	result, err := e.runPhase(ctx, session, record)
	if err != nil {
		// Infrastructure failure, or a gate provider that cannot answer.
		// The snapshot stays resumable; nothing is marked failed here.
		if saveErr := e.store.Save(session); saveErr != nil {
			e.logger.Error("Failed to persist session %s after phase error: %v", session.ID, saveErr)
		}
		return err
	}

	switch result {
	case sessionEnded:
		return nil
	case phasePassed:
		return e.completePhase(session, record)
	default:
		return e.iterate(ctx, session, record)
	}
}

// beginPhase moves a pending record to in_progress. The single-active-phase
// invariant is enforced by session validation on every save.
func (e *Engine) beginPhase(session *proto.Session, record *proto.PhaseRecord) error {
	now := time.Now().UTC()
	record.Status = proto.PhaseStatusInProgress
	record.StartedAt = &now
	record.Iteration = 1

	from := session.Checkpoint().LastCompleted
	if from != "" && !IsValidTransition(from, record.Name) {
		return fmt.Errorf("invalid phase transition %s → %s in session %s", from, record.Name, session.ID)
	}

	if err := e.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist phase start: %w", err)
	}

	e.logger.Info("▶️ Session %s: phase %s started", session.ID, record.Name)
	e.recorder.RecordPhaseTransition(string(from), string(record.Name))
	e.journal(eventlog.NewEvent(eventlog.KindPhaseTransition, session.ID), func(ev *eventlog.Event) {
		ev.Phase = string(record.Name)
		ev.Status = string(proto.PhaseStatusInProgress)
		ev.Detail = string(from)
	})
	return nil
}

// completePhase marks the current phase completed and finalizes the session
// when no phase remains.
func (e *Engine) completePhase(session *proto.Session, record *proto.PhaseRecord) error {
	now := time.Now().UTC()
	record.Status = proto.PhaseStatusCompleted
	record.CompletedAt = &now

	if err := e.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist phase completion: %w", err)
	}

	e.logger.Info("✅ Session %s: phase %s completed (iteration %d)", session.ID, record.Name, record.Iteration)
	e.journal(eventlog.NewEvent(eventlog.KindPhaseTransition, session.ID), func(ev *eventlog.Event) {
		ev.Phase = string(record.Name)
		ev.Status = string(proto.PhaseStatusCompleted)
	})

	if session.CurrentPhase() == nil {
		return e.endSession(session, proto.SessionCompleted, e.deliveredResult(session))
	}
	return nil
}

// iterate runs one pass of the rework loop on a failed gate: bump the
// counter, dispatch a fix task, and leave the phase in_progress so the next
// Advance re-runs its work and gates. Exceeding the configured cap moves the
// phase to blocked; the decision point is surfaced on the next Advance.
func (e *Engine) iterate(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) error {
	record.Iteration++
	e.recorder.RecordIteration(string(record.Name))
	e.journal(eventlog.NewEvent(eventlog.KindIteration, session.ID), func(ev *eventlog.Event) {
		ev.Phase = string(record.Name)
		ev.Detail = fmt.Sprintf("iteration %d", record.Iteration)
	})

	if record.Iteration > e.cfg.Workflow.MaxIterations {
		record.Status = proto.PhaseStatusBlocked
		record.Errors = append(record.Errors, proto.NewErrorEvent(
			proto.ErrCodeMaxIterationsExceeded, proto.SeverityMedium,
			"phase %s exceeded %d iteration(s)", record.Name, e.cfg.Workflow.MaxIterations))
		if err := e.store.Save(session); err != nil {
			return fmt.Errorf("failed to persist blocked phase: %w", err)
		}
		e.logger.Warn("🛑 Session %s: phase %s blocked after %d iteration(s)",
			session.ID, record.Name, e.cfg.Workflow.MaxIterations)
		return nil
	}

	e.logger.Info("🔁 Session %s: phase %s iteration %d", session.ID, record.Name, record.Iteration)
	e.dispatchFix(ctx, session, record)

	if err := e.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist iteration: %w", err)
	}
	return nil
}

// dispatchFix issues the rework task for a failed gate. The fix role depends
// on the phase: planning-side phases rework the plan, everything else reworks
// the implementation. A failed fix is noted; the re-run gate decides.
func (e *Engine) dispatchFix(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) {
	role := fixRole(record.Name)
	input := fmt.Sprintf("Rework pass %d for %s. Address the issues below, then produce the corrected result.\n\n%s\n\n%s",
		record.Iteration, strings.ToLower(string(record.Name)), lastAdvisory(record), e.phaseInput(session, record.Name))

	task := e.dispatcher.BuildTask(session.ID, role, input, proto.GroupPreparation)
	outcome, err := e.dispatcher.DispatchPreparation(ctx, []*proto.Task{task})
	if err != nil {
		record.Errors = append(record.Errors, proto.NewErrorEvent(
			proto.ErrCodeInputInvalid, proto.SeverityMedium, "fix task rejected: %v", err))
		return
	}

	if outcome.Outcome == dispatch.OutcomePass && task.Result.OutputRef != "" {
		if role == proto.RolePlanner {
			session.Artifacts[artifactPlan] = task.Result.OutputRef
		} else {
			session.Artifacts[artifactImplementation] = task.Result.OutputRef
		}
	} else {
		e.noteContext(fmt.Sprintf("Fix task for %s iteration %d did not succeed", record.Name, record.Iteration))
	}
}

// escalate surfaces the decision point for a blocked phase: run one more
// iteration, accept the current state, or abandon. Never a unilateral
// failure.
func (e *Engine) escalate(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) error {
	selection, err := e.gates.Present(ctx, session.ID, record.Name, gate.EscalationOptions())
	if err != nil {
		return fmt.Errorf("escalation decision unavailable for session %s: %w", session.ID, err)
	}

	switch selection {
	case gate.SelectionContinue:
		record.Status = proto.PhaseStatusInProgress
		if err := e.store.Save(session); err != nil {
			return fmt.Errorf("failed to persist escalation continue: %w", err)
		}
		e.logger.Info("⏩ Session %s: continuing %s past the iteration cap", session.ID, record.Name)
		return nil

	case gate.SelectionAccept:
		advisory := fmt.Sprintf("phase %s accepted as-is after %d iteration(s)", record.Name, record.Iteration-1)
		session.AppendAdvisory(advisory)
		e.recordGate(session, record, proto.QualityGate{
			Kind:     proto.GateUserApproval,
			Outcome:  proto.GatePass,
			Advisory: advisory,
		})
		return e.completePhase(session, record)

	case gate.SelectionAbandon:
		return e.endSession(session, proto.SessionAbandoned,
			fmt.Sprintf("abandoned at blocked phase %s", record.Name))

	default:
		return fmt.Errorf("unexpected escalation selection %q for session %s", selection, session.ID)
	}
}

// runPhase executes the dispatch plan for one phase and evaluates its gates.
func (e *Engine) runPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	switch record.Name {
	case proto.PhaseClassifying:
		// Classification was computed at Start; the phase records it.
		e.logger.Info("🏷️ Session %s classified as %s", session.ID, session.Classification)
		return phasePassed, nil

	case proto.PhasePlanning:
		return e.runSequentialPhase(ctx, session, record, proto.RolePlanner, proto.GroupPreparation,
			session.Artifacts[artifactRequest], artifactPlan)

	case proto.PhaseAwaitingApproval:
		return e.runApprovalPhase(ctx, session, record)

	case proto.PhaseDesignReview:
		return e.runConsensusPhase(ctx, session, record, proto.RoleDesignReviewer,
			e.phaseInput(session, record.Name))

	case proto.PhaseImplementing:
		return e.runBackgroundPhase(ctx, session, record)

	case proto.PhaseValidating:
		return e.runValidationPhase(ctx, session, record)

	case proto.PhaseReviewing:
		return e.runReviewPhase(ctx, session, record)

	case proto.PhaseTesting:
		return e.runSequentialPhase(ctx, session, record, proto.RoleTester, proto.GroupPreparation,
			e.phaseInput(session, record.Name), "")

	case proto.PhaseAwaitingAcceptance:
		return e.runAcceptancePhase(ctx, session, record)

	case proto.PhaseCleanup:
		return e.runSequentialPhase(ctx, session, record, proto.RoleFinalizer, proto.GroupPreparation,
			e.phaseInput(session, record.Name), "")

	case proto.PhaseDelivered:
		return phasePassed, nil

	default:
		return phaseFailed, fmt.Errorf("phase %s has no dispatch plan", record.Name)
	}
}

// runSequentialPhase dispatches a single-role sequential task and gates on
// its classified outcome.
func (e *Engine) runSequentialPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord,
	role proto.Role, group proto.ExecutionGroup, input, artifactKey string) (phaseResult, error) {
	task := e.dispatcher.BuildTask(session.ID, role, e.withContext(input), group)

	var outcome *dispatch.BatchOutcome
	var err error
	if group == proto.GroupPresentation {
		outcome, err = e.dispatcher.DispatchPresentation(ctx, []*proto.Task{task})
	} else {
		outcome, err = e.dispatcher.DispatchPreparation(ctx, []*proto.Task{task})
	}
	if err != nil {
		return phaseFailed, fmt.Errorf("failed to dispatch %s batch for %s: %w", group, record.Name, err)
	}

	if artifactKey != "" && task.Succeeded() && task.Result.OutputRef != "" {
		session.Artifacts[artifactKey] = task.Result.OutputRef
	}

	g := evaluateBatch(proto.GateAutomaticValidation, outcome)
	e.recordGate(session, record, g)
	if g.Outcome == proto.GatePass {
		return phasePassed, nil
	}
	return phaseFailed, nil
}

// runApprovalPhase suspends at the approval checkpoint until a selection
// arrives.
func (e *Engine) runApprovalPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	selection, err := e.gates.Present(ctx, session.ID, record.Name, gate.ApprovalOptions())
	if err != nil {
		return phaseFailed, fmt.Errorf("approval decision unavailable for session %s: %w", session.ID, err)
	}

	switch selection {
	case gate.SelectionApprove:
		e.recordGate(session, record, proto.QualityGate{Kind: proto.GateUserApproval, Outcome: proto.GatePass})
		return phasePassed, nil
	case gate.SelectionRevise:
		e.recordGate(session, record, proto.QualityGate{
			Kind:     proto.GateUserApproval,
			Outcome:  proto.GateFail,
			Advisory: "revision requested at " + string(record.Name),
		})
		return phaseFailed, nil
	case gate.SelectionAbandon:
		if err := e.endSession(session, proto.SessionAbandoned,
			fmt.Sprintf("abandoned at %s", record.Name)); err != nil {
			return phaseFailed, err
		}
		return sessionEnded, nil
	default:
		return phaseFailed, fmt.Errorf("unexpected approval selection %q for session %s", selection, session.ID)
	}
}

// runConsensusPhase fans out independent reviewers and aggregates their
// verdicts into a consensus gate.
func (e *Engine) runConsensusPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord,
	role proto.Role, input string) (phaseResult, error) {
	_, verdicts, err := e.reviewFanOut(ctx, session, role, input)
	if err != nil {
		return phaseFailed, err
	}

	g := evaluateConsensus(verdicts)
	e.recordGate(session, record, g)
	if g.Outcome == proto.GatePass {
		return phasePassed, nil
	}
	return phaseFailed, nil
}

// runReviewPhase fans out code reviewers, gates on consensus, then merges the
// surviving reviews through a consolidation task.
func (e *Engine) runReviewPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	_, verdicts, err := e.reviewFanOut(ctx, session, proto.RoleCodeReviewer, e.phaseInput(session, record.Name))
	if err != nil {
		return phaseFailed, err
	}

	consensus := evaluateConsensus(verdicts)
	e.recordGate(session, record, consensus)
	if consensus.Outcome != proto.GatePass {
		return phaseFailed, nil
	}

	task := e.dispatcher.BuildTask(session.ID, proto.RoleCodeReviewer,
		"Consolidate the review verdicts below into a single ranked report.", proto.GroupConsolidation)
	outcome, err := e.dispatcher.DispatchConsolidation(ctx, []*proto.Task{task})
	if err != nil {
		if errors.Is(err, dispatch.ErrQuorumNotMet) {
			g := proto.QualityGate{
				Kind:     proto.GateAutomaticValidation,
				Outcome:  proto.GateFail,
				Advisory: err.Error(),
			}
			e.recordGate(session, record, g)
			return phaseFailed, nil
		}
		return phaseFailed, fmt.Errorf("failed to dispatch consolidation for %s: %w", session.ID, err)
	}

	if task.Succeeded() && task.Result.OutputRef != "" {
		session.Artifacts[artifactReview] = task.Result.OutputRef
	}
	g := evaluateBatch(proto.GateAutomaticValidation, outcome)
	e.recordGate(session, record, g)
	if g.Outcome == proto.GatePass {
		return phasePassed, nil
	}
	return phaseFailed, nil
}

// runValidationPhase fans out validators in parallel and gates on the
// severity classification of everything they surfaced. Partial failure with
// quorum met degrades the pass instead of failing it.
func (e *Engine) runValidationPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	input := e.withContext(e.phaseInput(session, record.Name))
	tasks := make([]*proto.Task, 0, e.cfg.Dispatcher.ReviewerFanOut)
	for i := 0; i < e.cfg.Dispatcher.ReviewerFanOut; i++ {
		tasks = append(tasks, e.dispatcher.BuildTask(session.ID, proto.RoleValidator, input, proto.GroupParallel))
	}

	outcome, err := e.dispatcher.DispatchParallel(ctx, tasks)
	if err != nil {
		return phaseFailed, fmt.Errorf("failed to dispatch validation batch: %w", err)
	}

	validation := proto.QualityGate{Kind: proto.GateAutomaticValidation, Outcome: proto.GatePass}
	if outcome.Outcome == dispatch.OutcomeFail {
		validation.Outcome = proto.GateFail
		validation.Advisory = fmt.Sprintf("%d of %d validator(s) succeeded", outcome.Succeeded, len(tasks))
	} else if outcome.Outcome == dispatch.OutcomeDegraded {
		validation.Advisory = fmt.Sprintf("degraded pass: %d of %d validator(s) succeeded", outcome.Succeeded, len(tasks))
		session.AppendAdvisory(validation.Advisory)
	}
	e.recordGate(session, record, validation)

	severity := evaluateSeverity(proto.GateSeverityClassification, collectBatchEvents(outcome))
	e.recordGate(session, record, severity)

	if validation.Outcome == proto.GatePass && severity.Outcome == proto.GatePass {
		return phasePassed, nil
	}
	return phaseFailed, nil
}

// runBackgroundPhase dispatches the implementer and infers its completion
// through the monitor: the expected artifact path is registered with the
// prober before tracking begins, and either a completed detection or the
// dispatch result itself finishes the phase. A stuck record at the deadline
// is a failed task with code background_timeout, never silently dropped.
func (e *Engine) runBackgroundPhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	input := e.withContext(e.phaseInput(session, record.Name))
	task := e.dispatcher.BuildTask(session.ID, proto.RoleImplementer, input, proto.GroupPreparation)

	tracking := e.prober != nil
	artifactPath := e.expectedArtifact(session.ID, task.ID)
	if tracking {
		e.prober.Register(task.ID, artifactPath)
		defer e.prober.Release(task.ID)

		if _, err := e.monitor.Track(ctx, task.ID, session.ID); err != nil {
			e.logger.Warn("⚠️ Background tracking unavailable for task %s: %v", task.ID, err)
			tracking = false
		} else {
			e.rememberTracked(session.ID, task.ID)
			defer e.forgetTracked(session.ID, task.ID)
		}
	}

	outcomeCh := make(chan *dispatch.BatchOutcome, 1)
	go func() {
		outcome, err := e.dispatcher.DispatchPreparation(ctx, []*proto.Task{task})
		if err != nil {
			e.logger.Error("Implementation dispatch rejected: %v", err)
			outcomeCh <- nil
			return
		}
		outcomeCh <- outcome
	}()

	if !tracking {
		return e.settleImplementation(session, record, task, <-outcomeCh, artifactPath)
	}

	awaitCh := make(chan monitor.BackgroundTaskRecord, 1)
	go func() {
		rec, err := e.monitor.Await(ctx, task.ID)
		if err != nil && !monitor.IsTerminal(rec.State) {
			rec.State = monitor.StateStuck
			rec.Reason = monitor.ReasonCancelled
		}
		awaitCh <- rec
	}()

	select {
	case outcome := <-outcomeCh:
		// The invocation returned before detection resolved; its result is
		// authoritative and tracking is no longer needed.
		e.monitor.Cancel(task.ID)
		return e.settleImplementation(session, record, task, outcome, artifactPath)

	case rec := <-awaitCh:
		if rec.State == monitor.StateCompleted {
			// Stable, valid artifact: the work is done even if the invocation
			// is still draining in the background.
			session.Artifacts[artifactImplementation] = artifactPath
			g := proto.QualityGate{Kind: proto.GateAutomaticValidation, Outcome: proto.GatePass}
			e.recordGate(session, record, g)
			return phasePassed, nil
		}

		code := proto.ErrCodeBackgroundTimeout
		if rec.Reason == monitor.ReasonCancelled {
			code = proto.ErrCodeAgentUnavailable
		}
		event := proto.NewErrorEvent(code, proto.SeverityCritical,
			"background task %s ended %s (%s)", task.ID, rec.State, rec.Reason)
		record.Errors = append(record.Errors, event)
		g := proto.QualityGate{
			Kind:     proto.GateAutomaticValidation,
			Outcome:  proto.GateFail,
			Advisory: event.Message,
		}
		e.recordGate(session, record, g)
		return phaseFailed, nil
	}
}

// settleImplementation gates the implementing phase on the dispatch outcome.
func (e *Engine) settleImplementation(session *proto.Session, record *proto.PhaseRecord,
	task *proto.Task, outcome *dispatch.BatchOutcome, artifactPath string) (phaseResult, error) {
	if outcome == nil {
		return phaseFailed, fmt.Errorf("implementation dispatch for session %s was rejected", session.ID)
	}

	if task.Succeeded() {
		ref := task.Result.OutputRef
		if ref == "" {
			ref = artifactPath
		}
		session.Artifacts[artifactImplementation] = ref
	}

	g := evaluateBatch(proto.GateAutomaticValidation, outcome)
	e.recordGate(session, record, g)
	if g.Outcome == proto.GatePass {
		return phasePassed, nil
	}
	return phaseFailed, nil
}

// runAcceptancePhase presents the finished work, then suspends at the
// acceptance checkpoint.
func (e *Engine) runAcceptancePhase(ctx context.Context, session *proto.Session, record *proto.PhaseRecord) (phaseResult, error) {
	task := e.dispatcher.BuildTask(session.ID, proto.RolePresenter,
		e.withContext(e.presentationInput(session)), proto.GroupPresentation)
	outcome, err := e.dispatcher.DispatchPresentation(ctx, []*proto.Task{task})
	if err != nil {
		return phaseFailed, fmt.Errorf("failed to dispatch presentation: %w", err)
	}
	if task.Succeeded() && task.Result.OutputRef != "" {
		session.Artifacts[artifactPresentation] = task.Result.OutputRef
	} else {
		e.noteContext(fmt.Sprintf("Presentation task finished %s; acceptance proceeds without it", outcome.Outcome))
	}

	return e.runApprovalPhase(ctx, session, record)
}

// reviewFanOut dispatches the configured number of independent reviewers in
// parallel and parses each survivor's verdict. A failed reviewer contributes
// a fail verdict whose severity reflects its classified errors.
func (e *Engine) reviewFanOut(ctx context.Context, session *proto.Session, role proto.Role,
	input string) (*dispatch.BatchOutcome, []proto.ReviewVerdict, error) {
	payload := e.withContext(input)
	fanOut := e.cfg.Dispatcher.ReviewerFanOut
	tasks := make([]*proto.Task, 0, fanOut)
	for i := 0; i < fanOut; i++ {
		tasks = append(tasks, e.dispatcher.BuildTask(session.ID, role, payload, proto.GroupParallel))
	}

	outcome, err := e.dispatcher.DispatchParallel(ctx, tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dispatch %s fan-out: %w", role, err)
	}

	verdicts := make([]proto.ReviewVerdict, 0, len(tasks))
	for i, task := range tasks {
		reviewer := fmt.Sprintf("%s-%d", role, i+1)
		if task.Succeeded() {
			verdicts = append(verdicts, parseVerdict(reviewer, e.readArtifact(task.Result.OutputRef)))
			continue
		}

		severity := proto.SeverityMedium
		note := "reviewer invocation failed"
		if task.Result != nil {
			if proto.HasCritical(task.Result.Errors) {
				severity = proto.SeverityCritical
			}
			if len(task.Result.Errors) > 0 {
				note = task.Result.Errors[len(task.Result.Errors)-1].Message
			}
		}
		verdicts = append(verdicts, proto.ReviewVerdict{
			Reviewer: reviewer,
			Verdict:  proto.VerdictFail,
			Severity: severity,
			Note:     note,
		})
	}
	return outcome, verdicts, nil
}

// recordGate appends a derived gate outcome to the phase record and fans it
// out to the journal, metrics, and the archive.
func (e *Engine) recordGate(session *proto.Session, record *proto.PhaseRecord, g proto.QualityGate) {
	record.Gates = append(record.Gates, g)
	if g.Advisory != "" && g.Outcome == proto.GatePass {
		session.AppendAdvisory(g.Advisory)
	}

	e.logger.Info("🚦 Session %s: %s gate at %s → %s", session.ID, g.Kind, record.Name, g.Outcome)
	e.recorder.RecordGateOutcome(string(record.Name), string(g.Outcome))
	e.journal(eventlog.NewEvent(eventlog.KindGateOutcome, session.ID), func(ev *eventlog.Event) {
		ev.Phase = string(record.Name)
		ev.Status = string(g.Outcome)
		ev.Detail = string(g.Kind)
		if g.Advisory != "" {
			ev.SetPayload("advisory", g.Advisory)
		}
	})
	e.archiver.GateDecided(session.ID, record.Name, g, record.Iteration)
}

// endSession moves the session to a terminal status, persisting before any
// external effect. Tracked background tasks are cancelled best-effort.
func (e *Engine) endSession(session *proto.Session, status proto.SessionStatus, result string) error {
	e.cancelTracked(session.ID)

	session.Status = status
	session.Result = result
	if err := e.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist terminal session %s: %w", session.ID, err)
	}

	e.logger.Info("🏁 Session %s: %s (%s)", session.ID, status, result)
	e.recorder.RecordSession(string(status))
	e.journal(eventlog.NewEvent(eventlog.KindSessionFinished, session.ID), func(ev *eventlog.Event) {
		ev.Status = string(status)
		ev.Detail = result
	})
	e.archiver.SessionFinished(session.ID, status, result)
	return nil
}

// load fetches a session, translating a corrupt snapshot into a failed
// session in the archive. Corrupt snapshots are never repaired.
func (e *Engine) load(sessionID string) (*proto.Session, error) {
	session, err := e.store.Load(sessionID)
	if err != nil {
		if errors.Is(err, state.ErrSnapshotCorrupt) {
			e.logger.Error("💥 Session %s snapshot is corrupt: %v", sessionID, err)
			e.archiver.SessionFinished(sessionID, proto.SessionFailed, string(proto.ErrCodeSessionCorruption))
			return nil, fmt.Errorf("%s: %w", proto.ErrCodeSessionCorruption, err)
		}
		return nil, err
	}
	return session, nil
}

// withContext appends the collector's flushed payload to a task input. The
// flush is consumed exactly once; a truncated payload notes the elision.
func (e *Engine) withContext(input string) string {
	flush := e.collector.Flush()
	if flush.Empty() {
		return input
	}
	if flush.Elided > 0 {
		e.noteContext(fmt.Sprintf("Context payload truncated: %d contribution(s) elided", flush.Elided))
	}
	return input + "\n\n## Carried context\n\n" + flush.Payload()
}

// noteContext offers an engine-side contribution for the next flush.
func (e *Engine) noteContext(note string) {
	if err := e.collector.Add(contextProducerEngine, note); err != nil {
		e.logger.Debug("Context contribution dropped: %v", err)
	}
}

// phaseInput selects the freshest artifact feeding a phase, falling back
// toward the original request.
func (e *Engine) phaseInput(session *proto.Session, phase proto.Phase) string {
	var keys []string
	switch phase {
	case proto.PhaseDesignReview:
		keys = []string{artifactPlan, artifactRequest}
	case proto.PhaseImplementing:
		keys = []string{artifactPlan, artifactRequest}
	case proto.PhaseCleanup:
		keys = []string{artifactReview, artifactImplementation, artifactRequest}
	default:
		keys = []string{artifactImplementation, artifactPlan, artifactRequest}
	}
	for _, key := range keys {
		if ref, ok := session.Artifacts[key]; ok && ref != "" {
			return ref
		}
	}
	return session.Artifacts[artifactRequest]
}

// presentationInput assembles the presenter's input from the session's
// artifacts and advisories.
func (e *Engine) presentationInput(session *proto.Session) string {
	var b strings.Builder
	b.WriteString("Present the finished work to the user.\n")
	for _, key := range []string{artifactPlan, artifactImplementation, artifactReview} {
		if ref, ok := session.Artifacts[key]; ok && ref != "" {
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", strings.ToUpper(key[:1])+key[1:], e.readArtifact(ref))
		}
	}
	if len(session.Advisories) > 0 {
		b.WriteString("\n## Advisories\n")
		for _, advisory := range session.Advisories {
			fmt.Fprintf(&b, "- %s\n", advisory)
		}
	}
	return b.String()
}

// deliveredResult picks the user-facing result reference for a completed
// session.
func (e *Engine) deliveredResult(session *proto.Session) string {
	for _, key := range []string{artifactPresentation, artifactReview, artifactImplementation, artifactPlan} {
		if ref, ok := session.Artifacts[key]; ok && ref != "" {
			return ref
		}
	}
	return "delivered"
}

// readArtifact loads an artifact's content, falling back to the reference
// itself for inline or unreadable refs.
func (e *Engine) readArtifact(ref string) string {
	if ref == "" {
		return ""
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return ref
	}
	return string(data)
}

// expectedArtifact is the path the invoker's artifact convention gives a
// task's output, known before the task runs.
func (e *Engine) expectedArtifact(sessionID, taskID string) string {
	return filepath.Join(e.artifactsDir, utils.SanitizeIdentifier(sessionID), utils.SanitizeIdentifier(taskID)+".md")
}

func (e *Engine) rememberTracked(sessionID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked[sessionID] = append(e.tracked[sessionID], taskID)
}

func (e *Engine) forgetTracked(sessionID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.tracked[sessionID]
	for i, id := range ids {
		if id == taskID {
			e.tracked[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (e *Engine) cancelTracked(sessionID string) {
	e.mu.Lock()
	ids := append([]string(nil), e.tracked[sessionID]...)
	delete(e.tracked, sessionID)
	e.mu.Unlock()

	for _, id := range ids {
		e.monitor.Cancel(id)
	}
}

// journal writes one event, applying the mutator before the write.
func (e *Engine) journal(event *eventlog.Event, mutate func(*eventlog.Event)) {
	if e.eventLog == nil {
		return
	}
	if mutate != nil {
		mutate(event)
	}
	if err := e.eventLog.Write(event); err != nil {
		e.logger.Error("Failed to journal %s event: %v", event.Kind, err)
	}
}

// evaluateBatch derives an automatic-validation style gate from a batch
// outcome: a failed batch fails the gate outright, anything else is severity
// classified.
func evaluateBatch(kind proto.GateKind, outcome *dispatch.BatchOutcome) proto.QualityGate {
	events := collectBatchEvents(outcome)
	if outcome.Outcome == dispatch.OutcomeFail {
		g := proto.QualityGate{Kind: kind, Outcome: proto.GateFail, Advisory: summarizeEvents(events)}
		if g.Advisory == "" {
			g.Advisory = fmt.Sprintf("%d of %d task(s) succeeded", outcome.Succeeded, len(outcome.Tasks))
		}
		return g
	}
	return evaluateSeverity(kind, events)
}

// collectBatchEvents gathers batch-level events and the classified errors of
// every finished task.
func collectBatchEvents(outcome *dispatch.BatchOutcome) []proto.ErrorEvent {
	events := append([]proto.ErrorEvent(nil), outcome.Events...)
	for _, task := range outcome.Tasks {
		if task.Result != nil {
			events = append(events, task.Result.Errors...)
		}
	}
	return events
}

// fixRole selects who reworks a failed gate: planning-side phases rework the
// plan, everything downstream reworks the implementation.
func fixRole(phase proto.Phase) proto.Role {
	switch phase {
	case proto.PhasePlanning, proto.PhaseAwaitingApproval, proto.PhaseDesignReview:
		return proto.RolePlanner
	default:
		return proto.RoleImplementer
	}
}

// lastAdvisory returns the advisory of the most recent gate on the record.
func lastAdvisory(record *proto.PhaseRecord) string {
	for i := len(record.Gates) - 1; i >= 0; i-- {
		if record.Gates[i].Advisory != "" {
			return record.Gates[i].Advisory
		}
	}
	return "No advisory was recorded; re-verify the previous output."
}

// requestPayload renders the request as the session's root artifact.
func requestPayload(request *Request) string {
	if request.Path != "" {
		return request.Path
	}
	if request.Title != "" && !strings.Contains(request.Content, request.Title) {
		return "# " + request.Title + "\n\n" + request.Content
	}
	return request.Content
}

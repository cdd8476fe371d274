// Package monitor infers completion of externally-executing background work.
// No single signal is sufficient: idle notifications can race an in-flight
// write, polling alone mis-times completion, and stability alone cannot tell
// "finished" from "stalled". The monitor combines all three: an idle signal
// (or poll fallback when none arrives), fingerprint stability across
// consecutive polls, and a validity check, all under a hard per-record deadline.
//
// Each tracked record runs its own polling goroutine, decoupled in time from
// the engine that launched it; the engine re-attaches through Poll, Await, or
// the Changes stream.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

type tracked struct {
	record BackgroundTaskRecord
	idleCh chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	primed bool // first sample taken; until then there is no baseline to compare
}

// Monitor tracks background task records and drives their detection state
// machines. All thresholds come from the configuration; the monitor has no
// hardcoded timing values.
type Monitor struct {
	cfg       *config.MonitorConfig
	prober    Prober
	validator Validator
	eventLog  *eventlog.Writer
	recorder  metrics.Recorder
	logger    *logx.Logger

	mu      sync.Mutex
	records map[string]*tracked
	changes chan Change
	stopped bool
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor with injected probe and validity capabilities.
// The event log is optional; a nil recorder disables metrics.
func NewMonitor(cfg *config.MonitorConfig, prober Prober, validator Validator, eventLog *eventlog.Writer, recorder metrics.Recorder) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("monitor configuration is required")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Monitor{
		cfg:       cfg,
		prober:    prober,
		validator: validator,
		eventLog:  eventLog,
		recorder:  recorder,
		logger:    logx.NewLogger("monitor"),
		records:   make(map[string]*tracked),
		changes:   make(chan Change, 100),
	}, nil
}

// Track starts detection for one task and spawns its polling goroutine. The
// record begins running with a deadline of now plus the configured limit;
// cancelling ctx lands the record in stuck rather than leaving it unresolved.
func (m *Monitor) Track(ctx context.Context, taskID, sessionID string) (BackgroundTaskRecord, error) {
	if taskID == "" || sessionID == "" {
		return BackgroundTaskRecord{}, fmt.Errorf("task ID and session ID are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return BackgroundTaskRecord{}, fmt.Errorf("monitor is stopped")
	}
	if _, exists := m.records[taskID]; exists {
		return BackgroundTaskRecord{}, fmt.Errorf("task %s is already tracked", taskID)
	}

	now := time.Now().UTC()
	loopCtx, cancel := context.WithCancel(ctx)
	tr := &tracked{
		record: BackgroundTaskRecord{
			TaskID:    taskID,
			SessionID: sessionID,
			State:     StateRunning,
			StartedAt: now,
			Deadline:  now.Add(m.cfg.Deadline),
		},
		idleCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.records[taskID] = tr

	m.logger.Info("👀 Tracking background task %s (deadline %s)", taskID, m.cfg.Deadline)
	m.wg.Add(1)
	go m.pollLoop(loopCtx, tr)

	return tr.record, nil
}

// NotifyIdle delivers an external idle/quiescence signal for a tracked task.
// Unknown tasks and repeat signals are ignored; the signal only moves a
// running record to idle_candidate; stability and validity still gate
// completion.
func (m *Monitor) NotifyIdle(taskID string) {
	m.mu.Lock()
	tr, ok := m.records[taskID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("Idle signal for untracked task %s ignored", taskID)
		return
	}
	select {
	case tr.idleCh <- struct{}{}:
	default:
	}
}

// Poll returns a snapshot of the record, letting the engine re-attach without
// blocking.
func (m *Monitor) Poll(taskID string) (BackgroundTaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.records[taskID]
	if !ok {
		return BackgroundTaskRecord{}, false
	}
	return tr.record, true
}

// Await blocks until the record reaches a terminal state or ctx ends, and
// returns the latest snapshot either way.
func (m *Monitor) Await(ctx context.Context, taskID string) (BackgroundTaskRecord, error) {
	m.mu.Lock()
	tr, ok := m.records[taskID]
	m.mu.Unlock()
	if !ok {
		return BackgroundTaskRecord{}, fmt.Errorf("task %s is not tracked", taskID)
	}

	select {
	case <-tr.done:
		record, _ := m.Poll(taskID)
		return record, nil
	case <-ctx.Done():
		record, _ := m.Poll(taskID)
		return record, ctx.Err()
	}
}

// Cancel forces a tracked task into the terminal stuck state with reason
// "cancelled". Best effort: already-terminal records are left alone.
func (m *Monitor) Cancel(taskID string) {
	m.mu.Lock()
	tr, ok := m.records[taskID]
	if ok && !IsTerminal(tr.record.State) {
		m.transitionLocked(tr, StateStuck, ReasonCancelled)
	}
	m.mu.Unlock()

	if ok {
		tr.cancel()
	}
}

// Changes streams detection transitions. The channel is closed by Stop.
func (m *Monitor) Changes() <-chan Change {
	return m.changes
}

// Stop cancels every polling loop, waits for them to finish, and closes the
// change stream. Non-terminal records land in stuck.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancels := make([]context.CancelFunc, 0, len(m.records))
	for _, tr := range m.records {
		cancels = append(cancels, tr.cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
	close(m.changes)
}

// pollLoop drives one record's detection state machine until a terminal
// state, the deadline, or cancellation.
func (m *Monitor) pollLoop(ctx context.Context, tr *tracked) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Until(tr.record.Deadline))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if !IsTerminal(tr.record.State) {
				m.transitionLocked(tr, StateStuck, ReasonCancelled)
			}
			m.mu.Unlock()
			return

		case <-deadline.C:
			m.mu.Lock()
			if !IsTerminal(tr.record.State) {
				m.logger.Warn("⏰ Background task %s hit its deadline in state %s", tr.record.TaskID, tr.record.State)
				m.transitionLocked(tr, StateStuck, ReasonDeadline)
			}
			m.mu.Unlock()
			return

		case <-tr.idleCh:
			m.mu.Lock()
			if tr.record.State == StateRunning {
				tr.record.StableCount = 0
				m.transitionLocked(tr, StateIdleCandidate, reasonIdleNotification)
			}
			m.mu.Unlock()

		case <-ticker.C:
			if m.observe(ctx, tr) {
				return
			}
		}
	}
}

// observe takes one poll sample and advances the state machine. Returns true
// once the record is terminal.
func (m *Monitor) observe(ctx context.Context, tr *tracked) bool {
	fingerprint, output, err := m.prober.Probe(ctx, tr.record.TaskID)
	if err != nil {
		// A failed probe tells us nothing; skip the sample rather than
		// resetting detection. The deadline still bounds a dead probe.
		m.logger.Warn("⚠️ Probe failed for task %s: %v", tr.record.TaskID, err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := &tr.record
	if IsTerminal(record.State) {
		return true
	}

	if !tr.primed {
		// The first sample establishes the baseline; counting it as a
		// change would demote an early idle notification.
		tr.primed = true
		record.Fingerprint = fingerprint
		record.Output = output
		return false
	}

	changed := fingerprint != record.Fingerprint
	record.Fingerprint = fingerprint
	record.Output = output

	if changed {
		record.StableCount = 0
		record.IdlePolls = 0
		if record.State != StateRunning {
			// The output moved again: whatever idle evidence we had was a
			// mid-write race.
			m.transitionLocked(tr, StateRunning, reasonOutputChanged)
		}
		return false
	}

	switch record.State {
	case StateRunning:
		record.IdlePolls++
		if record.IdlePolls >= m.cfg.IdleFallbackPolls {
			record.StableCount = 0
			m.transitionLocked(tr, StateIdleCandidate, reasonPollFallback)
		}

	case StateIdleCandidate:
		record.StableCount++
		if record.StableCount >= m.cfg.StableObservations {
			m.transitionLocked(tr, StateStableCandidate, reasonOutputStable)
			if err := m.validator.Validate(record.TaskID, record.Output); err != nil {
				record.StableCount = 0
				record.IdlePolls = 0
				m.transitionLocked(tr, StateRunning, fmt.Sprintf("validity_failed: %v", err))
				return false
			}
			m.transitionLocked(tr, StateCompleted, reasonValidated)
			return true
		}

	case StateStableCandidate, StateCompleted, StateStuck:
		// Stable candidates resolve in the observation that promoted them;
		// terminal states have no loop.
	}
	return false
}

// transitionLocked moves a record to a new state, journaling and streaming
// the change. Callers hold m.mu.
func (m *Monitor) transitionLocked(tr *tracked, to DetectionState, reason string) {
	from := tr.record.State
	if !isValidTransition(from, to) {
		m.logger.Error("Invalid detection transition %s → %s for task %s", from, to, tr.record.TaskID)
		return
	}

	now := time.Now().UTC()
	tr.record.State = to
	tr.record.Reason = reason
	if IsTerminal(to) {
		tr.record.FinishedAt = now
	}

	m.logger.Info("🔄 Background task %s: %s → %s (%s)", tr.record.TaskID, from, to, reason)
	m.recorder.RecordMonitorTransition(string(from), string(to))

	if m.eventLog != nil {
		event := eventlog.NewEvent(eventlog.KindMonitorChange, tr.record.SessionID)
		event.TaskID = tr.record.TaskID
		event.Status = string(to)
		event.Detail = reason
		if err := m.eventLog.Write(event); err != nil {
			m.logger.Error("Failed to journal monitor change: %v", err)
		}
	}

	change := Change{
		TaskID:    tr.record.TaskID,
		SessionID: tr.record.SessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Time:      now,
	}
	select {
	case m.changes <- change:
	default:
		m.logger.Warn("Change stream full, dropping %s → %s for task %s", from, to, tr.record.TaskID)
	}

	if IsTerminal(to) {
		close(tr.done)
	}
}

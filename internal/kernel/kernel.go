// Package kernel is the composition root for a conductor run. It builds and
// owns the shared infrastructure every mode needs: the session store, the
// history archive and its persistence worker, the event log, metrics, the
// agent invoker, the dispatcher, the background monitor, the gate provider,
// and the workflow engine wired on top of them.
package kernel

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/eventlog"
	"conductor/pkg/gate"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/monitor"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/state"
	"conductor/pkg/workflow"
)

const (
	eventLogRotationHours = 24
	persistenceQueueSize  = 100
	drainTimeout          = 30 * time.Second
)

// Options selects how the kernel assembles its services.
type Options struct {
	// Mock replaces live model traffic with the scriptable mock invoker.
	Mock bool

	// AutoApprove answers every decision point from policy instead of
	// prompting on the terminal.
	AutoApprove bool

	// MetricsAddr overrides the configured scrape endpoint address.
	MetricsAddr string
}

// Kernel owns the assembled services and their lifecycle. Construction wires
// everything; Start brings up the background pieces; Stop unwinds them in
// reverse, draining the archive queue before the database closes.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Owns the lifecycle of every background service
	cancel context.CancelFunc

	Config config.Config
	Logger *logx.Logger

	Store      *state.Store
	EventLog   *eventlog.Writer
	Recorder   metrics.Recorder
	Collector  *contextmgr.Collector
	Invoker    agent.Invoker
	Dispatcher *dispatch.Dispatcher
	Monitor    *monitor.Monitor
	Gates      gate.Provider
	Engine     *workflow.Engine

	exporter   *metrics.Exporter
	archiveCh  chan *persistence.Request
	workerDone chan struct{}
	configJSON string
	running    bool
}

// New assembles a kernel from the loaded global config. config.LoadConfig
// must have been called first.
func New(parent context.Context, opts Options) (*Kernel, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.assemble(opts); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to assemble kernel services: %w", err)
	}
	return k, nil
}

// assemble builds the service graph bottom-up: storage first, then transport,
// then the engine on top.
func (k *Kernel) assemble(opts Options) error {
	stateDir, err := config.GetStateDir()
	if err != nil {
		return err
	}
	artifactsDir, err := config.GetArtifactsDir()
	if err != nil {
		return err
	}
	logsDir, err := config.GetLogsDir()
	if err != nil {
		return err
	}
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	k.Store, err = state.NewStore(stateDir)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	k.EventLog, err = eventlog.NewWriter(logsDir, eventLogRotationHours)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}

	if err := persistence.Initialize(dbPath); err != nil {
		return fmt.Errorf("failed to initialize archive database: %w", err)
	}
	k.archiveCh = make(chan *persistence.Request, persistenceQueueSize)
	k.configJSON, err = persistence.ConfigSnapshotToJSON(&k.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config snapshot: %w", err)
	}

	k.Recorder = metrics.Nop()
	if k.Config.Metrics != nil && k.Config.Metrics.Enabled {
		k.Recorder = metrics.NewPrometheusRecorder()
		addr := k.Config.Metrics.ListenAddr
		if opts.MetricsAddr != "" {
			addr = opts.MetricsAddr
		}
		k.exporter = metrics.NewExporter(addr)
	}

	k.Collector = contextmgr.NewCollectorWithBudget(k.Config.Collector.MaxPayloadTokens)

	if opts.Mock {
		k.Invoker = agent.NewMockInvoker()
		k.Logger.Info("🎭 Mock invoker selected: no live model traffic")
	} else {
		factory := agent.NewClientFactory(k.Config)
		k.Invoker = agent.NewLLMInvoker(factory, config.GetProjectDir(), artifactsDir)
	}
	k.Invoker = &archivingInvoker{inner: k.Invoker, archive: k.archiveCh}

	k.Dispatcher, err = dispatch.NewDispatcher(&k.Config, k.Invoker, k.EventLog, k.Recorder, k.Collector)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	prober := workflow.NewArtifactProber()
	k.Monitor, err = monitor.NewMonitor(k.Config.Monitor, prober, &workflow.ArtifactValidator{}, k.EventLog, k.Recorder)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	if opts.AutoApprove || (k.Config.Workflow != nil && k.Config.Workflow.AutoApprove) {
		k.Gates, err = gate.NewAuto(gate.PolicyApproveAll, nil)
		if err != nil {
			return fmt.Errorf("failed to create gate provider: %w", err)
		}
	} else {
		k.Gates, err = gate.NewTerminal()
		if err != nil {
			return fmt.Errorf("failed to create gate provider: %w", err)
		}
	}

	k.Engine, err = workflow.NewEngine(k.Config, workflow.Deps{
		Store:        k.Store,
		Dispatcher:   k.Dispatcher,
		Monitor:      k.Monitor,
		Prober:       prober,
		Collector:    k.Collector,
		Gates:        k.Gates,
		EventLog:     k.EventLog,
		Recorder:     k.Recorder,
		Archiver:     &archiveBridge{archive: k.archiveCh, configJSON: k.configJSON},
		ArtifactsDir: artifactsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}

	return nil
}

// Start brings up the background services: the metrics endpoint, the archive
// worker, and crash detection over sessions a previous run left active.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	if k.exporter != nil {
		k.exporter.Start(k.ctx)
	}
	k.startArchiveWorker()

	stale, err := persistence.MarkStaleSessions(persistence.GetDB())
	if err != nil {
		k.Logger.Warn("⚠️ Failed to mark stale sessions: %v", err)
	} else if stale > 0 {
		k.Logger.Info("🪦 Marked %d stale session(s) as crashed", stale)
	}

	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

// Stop unwinds the kernel: background detection stops, the archive queue is
// drained, and only then the event log and database close.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}

	k.cancel()
	k.Monitor.Stop()

	if err := k.drainArchiveQueue(); err != nil {
		k.Logger.Warn("⚠️ Archive queue drain issue: %v", err)
	}

	if err := k.EventLog.Close(); err != nil {
		k.Logger.Error("Error closing event log: %v", err)
	}
	if err := persistence.Close(); err != nil {
		k.Logger.Error("Error closing archive database: %v", err)
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

// drainArchiveQueue closes the archive channel and waits for the worker to
// finish the writes still queued.
func (k *Kernel) drainArchiveQueue() error {
	if k.archiveCh == nil {
		return nil
	}
	close(k.archiveCh)
	k.archiveCh = nil

	if k.workerDone == nil {
		return nil
	}
	select {
	case <-k.workerDone:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("timeout waiting for the archive queue to drain")
	}
}

// startArchiveWorker runs the single goroutine that owns archive writes. All
// archive traffic funnels through the request channel so SQLite sees one
// writer.
func (k *Kernel) startArchiveWorker() {
	k.workerDone = make(chan struct{})
	ch := k.archiveCh

	go func() {
		defer close(k.workerDone)
		ops := persistence.Ops()
		for req := range ch {
			if req != nil {
				k.processArchiveRequest(req, ops)
			}
		}
		k.Logger.Debug("Archive worker finished draining queue")
	}()
}

// processArchiveRequest handles one archive operation. Writes log failures
// and move on; reads answer on the request's response channel.
func (k *Kernel) processArchiveRequest(req *persistence.Request, ops *persistence.DatabaseOperations) {
	switch req.Operation {
	case persistence.OpArchiveSession:
		if session, ok := req.Data.(*persistence.Session); ok {
			if err := ops.ArchiveSession(session); err != nil {
				k.Logger.Error("Failed to archive session %s: %v", session.ID, err)
			}
		}

	case persistence.OpUpdateSessionStatus:
		if status, ok := req.Data.(*persistence.UpdateSessionStatusRequest); ok {
			if err := ops.UpdateSessionStatus(status.SessionID, status.Status, status.Result); err != nil {
				k.Logger.Error("Failed to update archived session %s: %v", status.SessionID, err)
			}
		}

	case persistence.OpRecordTask:
		if record, ok := req.Data.(*persistence.TaskRecord); ok {
			if err := ops.InsertTaskRecord(record); err != nil {
				k.Logger.Error("Failed to archive task %s: %v", record.TaskID, err)
			}
		}

	case persistence.OpRecordGateDecision:
		if decision, ok := req.Data.(*persistence.GateDecision); ok {
			if err := ops.InsertGateDecision(decision); err != nil {
				k.Logger.Error("Failed to archive gate decision for %s: %v", decision.SessionID, err)
			}
		}

	case persistence.OpGetSessionSummary:
		if req.Response == nil {
			return
		}
		sessionID, ok := req.Data.(string)
		if !ok {
			req.Response <- fmt.Errorf("session summary request needs a session ID")
			return
		}
		summary, err := ops.GetSessionSummary(sessionID)
		if err != nil {
			req.Response <- err
		} else {
			req.Response <- summary
		}

	default:
		k.Logger.Error("Unknown archive operation: %v", req.Operation)
		if req.Response != nil {
			req.Response <- fmt.Errorf("unknown operation: %v", req.Operation)
		}
	}
}

// SessionSummary fetches the archived activity summary for a session through
// the worker, so the read is ordered after every write queued before it.
func (k *Kernel) SessionSummary(sessionID string) (*persistence.SessionSummary, error) {
	if k.archiveCh == nil {
		return nil, fmt.Errorf("archive is not running")
	}
	response := make(chan any, 1)
	k.archiveCh <- &persistence.Request{
		Operation: persistence.OpGetSessionSummary,
		Data:      sessionID,
		Response:  response,
	}
	switch v := (<-response).(type) {
	case *persistence.SessionSummary:
		return v, nil
	case error:
		return nil, v
	default:
		return nil, fmt.Errorf("unexpected summary response %T", v)
	}
}

// archiveBridge adapts the workflow engine's archive milestones onto the
// persistence worker. Every call is fire-and-forget; the engine never blocks
// on the archive.
type archiveBridge struct {
	archive    chan *persistence.Request
	configJSON string
}

func (b *archiveBridge) SessionStarted(session *proto.Session) {
	persistence.PersistSession(&persistence.Session{
		ID:             session.ID,
		Classification: string(session.Classification),
		Status:         persistence.StatusActive,
		CreatedAt:      session.CreatedAt,
		ConfigSnapshot: b.configJSON,
	}, b.archive)
}

func (b *archiveBridge) SessionFinished(sessionID string, status proto.SessionStatus, result string) {
	persistence.PersistSessionStatus(sessionID, string(status), result, b.archive)
}

func (b *archiveBridge) GateDecided(sessionID string, phase proto.Phase, g proto.QualityGate, iteration int) {
	persistence.PersistGateDecision(&persistence.GateDecision{
		DecidedAt:  time.Now().UTC(),
		SessionID:  sessionID,
		Phase:      string(phase),
		Kind:       string(g.Kind),
		Outcome:    string(g.Outcome),
		Confidence: string(g.Confidence),
		Advisory:   g.Advisory,
		Iteration:  iteration,
	}, b.archive)
}

// archivingInvoker posts every finished task to the history archive on its
// way back to the dispatcher.
type archivingInvoker struct {
	inner   agent.Invoker
	archive chan *persistence.Request
}

func (a *archivingInvoker) Invoke(ctx context.Context, task *proto.Task) (*proto.TaskResult, error) {
	result, err := a.inner.Invoke(ctx, task)
	if result != nil {
		record := &persistence.TaskRecord{
			CreatedAt: time.Now().UTC(),
			TaskID:    task.ID,
			SessionID: task.SessionID,
			Role:      string(task.Role),
			Group:     string(task.Group),
			Status:    string(result.Status),
			OutputRef: result.OutputRef,
			ElapsedMS: result.Elapsed.Milliseconds(),
		}
		if len(result.Errors) > 0 {
			record.ErrorDetail = result.Errors[len(result.Errors)-1].Message
		}
		persistence.PersistTaskRecord(record, a.archive)
	}
	return result, err
}

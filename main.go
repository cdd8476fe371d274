// Command conductor runs workflow sessions: it loads the project config,
// assembles the kernel, and drives a request through the phase engine, or
// resumes a previously interrupted session from its checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"conductor/internal/kernel"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/proto"
	"conductor/pkg/workflow"
)

type cliOptions struct {
	workDir     string
	mode        string
	requestPath string
	resumeID    string
	live        bool
	autoApprove bool
	metricsAddr string
}

func main() {
	var opts cliOptions
	flag.StringVar(&opts.workDir, "workdir", "", "Project directory (default: current directory)")
	flag.StringVar(&opts.mode, "mode", "full", "Entry point: full, backend, validate, or review")
	flag.StringVar(&opts.requestPath, "request", "", "Path to a workflow request file")
	flag.StringVar(&opts.resumeID, "resume", "", "Session ID to resume from its checkpoint")
	flag.BoolVar(&opts.live, "live", false, "Use live model traffic instead of the mock invoker")
	flag.BoolVar(&opts.autoApprove, "auto-approve", false, "Answer decision points from policy instead of prompting")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Override the configured metrics listen address")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	logger := logx.NewLogger("conductor")

	if opts.requestPath == "" && opts.resumeID == "" {
		return fmt.Errorf("nothing to do: provide -request <file> or -resume <session-id>")
	}
	if opts.requestPath != "" && opts.resumeID != "" {
		return fmt.Errorf("-request and -resume are mutually exclusive")
	}

	entry, err := workflow.ParseEntryPoint(opts.mode)
	if err != nil {
		return err
	}

	workDir := opts.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}
	if err := config.LoadConfig(workDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, kernel.Options{
		Mock:        !opts.live,
		AutoApprove: opts.autoApprove,
		MetricsAddr: opts.metricsAddr,
	})
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		return err
	}
	defer func() {
		if err := k.Stop(); err != nil {
			logger.Error("Shutdown error: %v", err)
		}
	}()

	sessionID := opts.resumeID
	if opts.resumeID != "" {
		err = k.Engine.Resume(ctx, opts.resumeID)
	} else {
		var request *workflow.Request
		if request, err = workflow.LoadRequest(opts.requestPath); err != nil {
			return err
		}
		if sessionID, err = k.Engine.Start(request, entry); err != nil {
			return err
		}
		err = k.Engine.Run(ctx, sessionID)
	}

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("🛑 Interrupted; continue later with -resume %s", sessionID)
			return nil
		}
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	report(ctx, k, logger, sessionID)
	return nil
}

// report prints the session outcome, its archived activity summary, and, when
// a Prometheus server is configured, the session's model usage.
func report(ctx context.Context, k *kernel.Kernel, logger *logx.Logger, sessionID string) {
	session, err := k.Store.Load(sessionID)
	if err != nil {
		logger.Warn("⚠️ Failed to load finished session %s: %v", sessionID, err)
		return
	}

	switch session.Status {
	case proto.SessionCompleted:
		logger.Info("✅ Session %s delivered: %s", sessionID, session.Result)
	case proto.SessionAbandoned:
		logger.Info("🚪 Session %s abandoned: %s", sessionID, session.Result)
	case proto.SessionFailed:
		logger.Info("❌ Session %s failed: %s", sessionID, session.Result)
	default:
		logger.Info("⏸️ Session %s stopped while %s; continue with -resume %s",
			sessionID, session.Status, sessionID)
	}
	for _, advisory := range session.Advisories {
		logger.Info("📎 Advisory: %s", advisory)
	}

	summary, err := k.SessionSummary(sessionID)
	if err != nil {
		logger.Warn("⚠️ Failed to read session archive: %v", err)
		return
	}
	logger.Info("📊 Archived %d task(s), %d failed, %d gate decision(s)",
		summary.TotalTasks, summary.FailedTasks, summary.GateDecisions)

	mc := k.Config.Metrics
	if mc == nil || !mc.Enabled || mc.PrometheusURL == "" {
		return
	}
	queries, err := metrics.NewQueryService(mc.PrometheusURL)
	if err != nil {
		logger.Warn("⚠️ Failed to reach Prometheus at %s: %v", mc.PrometheusURL, err)
		return
	}
	usage, err := queries.GetSessionUsage(ctx, sessionID)
	if err != nil {
		logger.Warn("⚠️ Failed to query session usage: %v", err)
		return
	}
	if usage.Requests > 0 {
		logger.Info("🧮 Model usage: %d request(s), %d prompt + %d completion tokens",
			usage.Requests, usage.PromptTokens, usage.CompletionTokens)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command contentpipe watches an incoming directory and turns dropped
// text documents into schema-validated content manifests through a
// multi-stage LLM pipeline. Running it with no subcommand starts the
// long-running watch-and-process service; status, inspect, and replay
// operate on the persisted JSON state of a single process instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/yt-factory/orchestrator/internal/adminhttp"
	"github.com/yt-factory/orchestrator/internal/breaker"
	"github.com/yt-factory/orchestrator/internal/config"
	"github.com/yt-factory/orchestrator/internal/cost"
	"github.com/yt-factory/orchestrator/internal/hashindex"
	"github.com/yt-factory/orchestrator/internal/ingress"
	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/manifest"
	"github.com/yt-factory/orchestrator/internal/pipeline"
	"github.com/yt-factory/orchestrator/internal/pool"
	"github.com/yt-factory/orchestrator/internal/queue"
	"github.com/yt-factory/orchestrator/internal/ratelimit"
	"github.com/yt-factory/orchestrator/internal/statemachine"
	"github.com/yt-factory/orchestrator/internal/telemetry"
	"github.com/yt-factory/orchestrator/internal/trends"
)

var configPath string

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config.yaml")
	rootCmd.AddCommand(statusCmd, inspectCmd, replayCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "contentpipe",
	Short: "Watches incoming/ and turns dropped documents into annotated content manifests",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Load(configPath)
	},
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status <project_id>",
	Short: "Print a project's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <project_id>",
	Short: "Print a project's full persisted manifest as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var replayCmd = &cobra.Command{
	Use:   "replay <project_id>",
	Short: "Re-enter the pipeline for a project stuck in failed or degraded_retry",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

// stack is every component the long-running service and the replay
// subcommand both need wired together. status and inspect need only a
// manifest.Store and are handled without building one of these.
type stack struct {
	cfg       config.Config
	manifests *manifest.Store
	machine   *statemachine.Machine
	hashIndex *hashindex.Index
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	pool      *pool.Pool
	ledger    *cost.Ledger
	breakers  *breaker.Registry
	fabric    *llm.Fabric
	trendStore *trends.Store
	driver    *pipeline.Driver
	openaiKey *config.Credential
}

func buildStack(ctx context.Context, cfg config.Config) (*stack, error) {
	for _, dir := range []string{cfg.IncomingDir, cfg.ProcessedDir, cfg.ProjectsDir, cfg.DeadLetterDir, cfg.LogsDir, cfg.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("contentpipe: create %s: %w", dir, err)
		}
	}

	s := &stack{cfg: cfg}
	s.manifests = manifest.New(cfg.ProjectsDir)
	s.machine = statemachine.New(s.manifests, statemachine.StaleThresholds{
		Analyzing:     cfg.StaleThresholds.Analyzing,
		Rendering:     cfg.StaleThresholds.Rendering,
		Uploading:     cfg.StaleThresholds.Uploading,
		DegradedRetry: cfg.StaleThresholds.DegradedRetry,
	}, cfg.MaxRetries, cfg.MaxStaleRecoveries, cfg.DeadLetterDir, filepath.Join(cfg.LogsDir, "alerts.log"))

	s.hashIndex = hashindex.New(filepath.Join(cfg.DataDir, "processed_hashes.json"))
	if err := s.hashIndex.Init(); err != nil {
		return nil, fmt.Errorf("contentpipe: hash index init: %w", err)
	}

	s.queue = queue.New(queue.Config{MaxConcurrency: cfg.MaxConcurrency, MaxWaiting: cfg.MaxWaiting})
	s.limiter = ratelimit.New(float64(cfg.RateLimitRPM), float64(cfg.RateLimitRPM)/60.0, 0.2)

	ledger, err := cost.Load(filepath.Join(cfg.DataDir, "cost_report.json"))
	if err != nil {
		return nil, fmt.Errorf("contentpipe: cost ledger load: %w", err)
	}
	s.ledger = ledger

	s.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	})

	chain, err := buildModelChain(cfg)
	if err != nil {
		return nil, err
	}
	s.openaiKey = chain.credential

	s.pool = pool.New(httpSessionFactory, pool.Config{
		Min:            1,
		Max:            cfg.MaxConcurrency,
		IdleTimeout:    5 * time.Minute,
		AcquireTimeout: cfg.APITimeout,
	})
	if err := s.pool.WarmUp(ctx); err != nil {
		return nil, fmt.Errorf("contentpipe: pool warm-up: %w", err)
	}

	s.fabric = llm.New(chain.models, s.queue, s.limiter, s.pool, s.ledger, s.breakers)

	s.trendStore, err = trends.Load(filepath.Join(cfg.DataDir, "trends_authority.json"), noopTrendSource{})
	if err != nil {
		return nil, fmt.Errorf("contentpipe: trend store load: %w", err)
	}

	s.driver = pipeline.New(s.manifests, s.machine, s.hashIndex, s.fabric, s.trendStore, s.ledger, chain.models, cfg.MaxRetries, cfg.AudioEnabled, cfg.AudioLanguages, cfg.ProjectsDir)

	return s, nil
}

func (s *stack) close() {
	if s.openaiKey != nil {
		s.openaiKey.Destroy()
	}
	config.PurgeAllCredentials()
}

type modelChain struct {
	models     []llm.Model
	credential *config.Credential
}

// buildModelChain turns the configured fallback chain into concrete
// llm.Model values. Under mock_mode every entry gets a MockAdapter so the
// pipeline can be exercised without live provider credentials; otherwise
// every "openai"-provider entry shares one locked-memory API key loaded
// once via OPENAI_API_KEY.
func buildModelChain(cfg config.Config) (modelChain, error) {
	if cfg.MockMode {
		models := make([]llm.Model, len(cfg.FallbackChain))
		for i, spec := range cfg.FallbackChain {
			models[i] = llm.Model{Name: spec.Name, Strict: spec.Strict, Client: &llm.MockAdapter{}}
		}
		return modelChain{models: models}, nil
	}

	cred, err := config.LoadCredential("OPENAI_API_KEY", "")
	if err != nil {
		return modelChain{}, fmt.Errorf("contentpipe: load provider credential: %w", err)
	}

	models := make([]llm.Model, 0, len(cfg.FallbackChain))
	for _, spec := range cfg.FallbackChain {
		if spec.Provider != "openai" {
			return modelChain{}, fmt.Errorf("contentpipe: no adapter wired for provider %q (model %q)", spec.Provider, spec.Name)
		}
		models = append(models, llm.Model{Name: spec.Name, Strict: spec.Strict, Client: llm.NewOpenAIAdapter(cred.Value(), spec.Name)})
	}
	return modelChain{models: models, credential: cred}, nil
}

// httpSession is the pooled resource backing the connection pool: one
// keep-alive HTTP client per slot, shared across every provider adapter's
// calls for the lifetime the pool holds it open.
type httpSession struct {
	client *http.Client
}

func httpSessionFactory(ctx context.Context) (pool.Session, error) {
	return &httpSession{client: &http.Client{Timeout: 0}}, nil
}

func (h *httpSession) Validate(ctx context.Context) error {
	if h.client == nil {
		return fmt.Errorf("contentpipe: http session has no client")
	}
	return nil
}

func (h *httpSession) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// noopTrendSource is the trend candidate feed's external-collaborator
// contract point: no SEO/keyword-research integration is wired in this
// deployment, so GetHot fetches no candidates and returns an empty list;
// entries already on disk are only decayed, never returned by GetHot.
type noopTrendSource struct{}

func (noopTrendSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return nil, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	telemetry.InitLogging(cfg.LogLevel)
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "contentpipe")
	if err != nil {
		return fmt.Errorf("contentpipe: init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	printBanner(cfg)

	watcher, err := ingress.New(ingress.Config{
		IncomingDir:  cfg.IncomingDir,
		ProcessedDir: cfg.ProcessedDir,
		AllowedExt:   []string{".md", ".txt", ".markdown"},
	}, s.driver.HandleReady)
	if err != nil {
		return fmt.Errorf("contentpipe: build watcher: %w", err)
	}

	watcherErrCh := make(chan error, 1)
	go func() { watcherErrCh <- watcher.Start(ctx) }()

	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, s, heartbeatDone)

	var adminSrv *adminhttp.Server
	adminDone := make(chan error, 1)
	if cfg.AdminHTTPAddr != "" {
		adminSrv = adminhttp.New(s.manifests, map[string]adminhttp.LivenessCheck{
			"pool": adminhttp.PoolLivenessCheck(s.pool),
		})
		go func() { adminDone <- adminSrv.Run(ctx, cfg.AdminHTTPAddr) }()
	}

	select {
	case <-ctx.Done():
	case err := <-watcherErrCh:
		if err != nil {
			return fmt.Errorf("contentpipe: watcher stopped: %w", err)
		}
	}

	<-heartbeatDone
	s.driver.Wait()
	s.pool.Drain()

	if adminSrv != nil {
		<-adminDone
	}

	snapshot := s.ledger.Snapshot()
	fmt.Fprintf(os.Stdout, "final cost report: %d tokens, %d api calls, $%.4f estimated\n",
		snapshot.TotalTokens, snapshot.APICalls, snapshot.EstimatedCostUSD)

	return nil
}

func runHeartbeat(ctx context.Context, s *stack, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickHeartbeat(ctx, s)
		}
	}
}

func tickHeartbeat(ctx context.Context, s *stack) {
	ids, err := s.manifests.ListIDs()
	if err != nil {
		return
	}

	recovered, err := s.machine.SweepStale(ids)
	if err == nil {
		for _, id := range recovered {
			mf, err := s.manifests.Load(id)
			if err != nil || mf.Status != manifest.StatusStaleRecovered {
				// Already failed past MaxStaleRecoveries; nothing to re-enter.
				continue
			}
			if _, err := s.machine.Transition(id, manifest.StatusPending); err != nil {
				continue
			}
			go func(id string) {
				_ = s.driver.Replay(context.Background(), id)
			}(id)
		}
	}

	// A project the state machine parked in degraded_retry already has its
	// next model picked (HandleError did that at failure time); it only
	// rests there until something re-enters it, the same way
	// stale_recovered rests until this heartbeat bounces it to pending
	// above. stageInit accepts degraded_retry -> analyzing directly, so
	// Replay alone is enough — no intermediate transition needed.
	for _, id := range ids {
		mf, err := s.manifests.Load(id)
		if err != nil || mf.Status != manifest.StatusDegradedRetry {
			continue
		}
		go func(id string) {
			_ = s.driver.Replay(context.Background(), id)
		}(id)
	}

	s.driver.SweepAudio(ctx, s.cfg.ProjectsDir, ids)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store := manifest.New(config.Global.ProjectsDir)
	mf, err := store.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\tstatus=%s\tretries=%d\tmodel=%s\tupdated_at=%s\n",
		mf.ID, mf.Status, mf.Meta.RetryCount, mf.Meta.CurrentModel, mf.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	store := manifest.New(config.Global.ProjectsDir)
	mf, err := store.Load(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runReplay re-enters the pipeline for a project the heartbeat has not
// (yet) recovered on its own. A dead_letter project is terminal and
// refused; a failed project is first bounced through pending, since the
// transition table has no failed -> analyzing edge and stageInit moves the
// project into analyzing. The heartbeat never re-enters failed projects.
func runReplay(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg := config.Global
	telemetry.InitLogging(cfg.LogLevel)

	ctx := context.Background()
	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	mf, err := s.manifests.Load(id)
	if err != nil {
		return err
	}
	switch mf.Status {
	case manifest.StatusDeadLetter:
		return fmt.Errorf("contentpipe: project %s is dead-lettered and cannot be replayed", id)
	case manifest.StatusFailed:
		if _, err := s.machine.Transition(id, manifest.StatusPending); err != nil {
			return fmt.Errorf("contentpipe: reset %s to pending: %w", id, err)
		}
	}

	if err := s.driver.Replay(ctx, id); err != nil {
		return err
	}
	s.driver.Wait()

	mf, err = s.manifests.Load(id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tstatus=%s\n", mf.ID, mf.Status)
	return nil
}

func printBanner(cfg config.Config) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("contentpipe: watching %s (mock_mode=%v, admin=%s)\n", cfg.IncomingDir, cfg.MockMode, cfg.AdminHTTPAddr)
		return
	}
	fmt.Printf(`
contentpipe
  incoming:   %s
  projects:   %s
  mock_mode:  %v
  admin_http: %s

watching for dropped documents, ctrl-c to stop
`, cfg.IncomingDir, cfg.ProjectsDir, cfg.MockMode, orNone(cfg.AdminHTTPAddr))
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sweetpotato0/conditions-agent/api"
	"github.com/sweetpotato0/conditions-agent/blob"
	"github.com/sweetpotato0/conditions-agent/config"
	"github.com/sweetpotato0/conditions-agent/contrib/provider"
	"github.com/sweetpotato0/conditions-agent/contrib/tokenizer/tiktoken"
	"github.com/sweetpotato0/conditions-agent/events"
	"github.com/sweetpotato0/conditions-agent/guardrails"
	"github.com/sweetpotato0/conditions-agent/metrics"
	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/middleware/enricher"
	"github.com/sweetpotato0/conditions-agent/middleware/errorhandler"
	steplogger "github.com/sweetpotato0/conditions-agent/middleware/logger"
	"github.com/sweetpotato0/conditions-agent/middleware/tracing"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/pkg/telemetry"
	"github.com/sweetpotato0/conditions-agent/runner"
	"github.com/sweetpotato0/conditions-agent/services/documents"
	"github.com/sweetpotato0/conditions-agent/services/evaluation"
	"github.com/sweetpotato0/conditions-agent/services/prediction"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/tool"
	"github.com/sweetpotato0/conditions-agent/transform"
	"github.com/sweetpotato0/conditions-agent/workflow/linear"
	"github.com/sweetpotato0/conditions-agent/workflow/rewoo"
)

// app holds every wired component of one process.
type app struct {
	settings *config.Settings
	logger   *slog.Logger

	gateway   store.Gateway
	postgres  *store.PostgresGateway
	progress  store.ProgressStore
	archive   store.EvidenceArchive
	publisher events.Publisher
	metrics   *metrics.Metrics

	evaluation *evaluation.Client
	tools      *tool.ConditionsTools
	runner     *runner.Runner
	checks     map[string]api.CheckFunc

	closers []func(context.Context) error
}

// loadSettings reads the configuration and installs the process logger
// writing to logs.
func loadSettings(path string, logs io.Writer) (*config.Settings, error) {
	s, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.SetLogger(logging.New(logs, s.Log.Format, s.Log.Level))
	return s, nil
}

// newApp connects the backing services and builds both workflows. Close
// must be called even when newApp fails part way.
func newApp(ctx context.Context, s *config.Settings) (a *app, err error) {
	a = &app{
		settings: s,
		logger:   logging.WithComponent("main"),
		checks:   map[string]api.CheckFunc{},
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    s.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    s.Telemetry.Environment,
		Endpoint:       s.Telemetry.Endpoint,
		SampleRatio:    s.Telemetry.SampleRatio,
		Disable:        !s.Telemetry.Enabled,
	})
	if err != nil {
		return a, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if err := a.openStores(ctx); err != nil {
		return a, err
	}
	if err := a.openPublisher(); err != nil {
		return a, err
	}
	a.metrics = metrics.New(nil)

	blobs, err := blob.NewS3Reader(ctx, blob.Config{
		Region:          s.AWS.Region,
		AccessKeyID:     s.AWS.AccessKeyID,
		SecretAccessKey: s.AWS.SecretAccessKey,
		SessionToken:    s.AWS.SessionToken,
		RoleARN:         s.AWS.RoleARN,
	})
	if err != nil {
		return a, fmt.Errorf("init S3 reader: %w", err)
	}

	predictor := prediction.New(&prediction.Config{
		URL:         s.Prediction.URL,
		APIKey:      s.Prediction.APIKey,
		AssistantID: s.Prediction.AssistantID,
		Timeout:     s.Prediction.Timeout,
	})
	a.evaluation = evaluation.New(&evaluation.Config{
		URL:                s.Evaluation.URL,
		Username:           s.Evaluation.Username,
		Password:           s.Evaluation.Password,
		DAGID:              s.Evaluation.DAGID,
		PollInterval:       s.Evaluation.PollInterval,
		MaxWait:            s.Evaluation.MaxWait,
		ResultPollInterval: s.Evaluation.ResultPollInterval,
		ResultMaxWait:      s.Evaluation.ResultMaxWait,
	}, blobs)
	a.tools = tool.NewConditionsTools(predictor, a.evaluation, nil)
	if s.Evaluation.URL != "" {
		a.checks["evaluation"] = a.evaluation.Health
	}

	linearWorkflow, err := a.buildLinear(ctx, predictor)
	if err != nil {
		return a, err
	}
	agent, err := a.buildReWOO(ctx)
	if err != nil {
		return a, err
	}

	a.runner = runner.New(linearWorkflow, agent, a.gateway,
		runner.WithMaxConcurrency(s.API.MaxConcurrentRuns),
		runner.WithProgress(a.progress),
		runner.WithPublisher(a.publisher),
		runner.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	s := a.settings

	if s.Database.URL != "" {
		pg, err := store.NewPostgresGateway(ctx, &store.PostgresConfig{URL: s.Database.URL})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.postgres = pg
		a.gateway = pg
		a.closers = append(a.closers, func(context.Context) error { return pg.Close() })
		a.checks["database"] = pg.Ping
	} else {
		a.logger.Warn("database.url not set, using in-memory gateway")
		a.gateway = store.NewInMemoryGateway()
	}

	if s.Redis.Addr != "" {
		rp := store.NewRedisProgress(&store.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   "conditions-agent:",
			TTL:      s.Redis.TTL,
		})
		a.progress = rp
		a.closers = append(a.closers, func(context.Context) error { return rp.Close() })
		a.checks["redis"] = rp.Ping
	} else {
		a.progress = store.NewMemoryProgress()
	}

	if s.Mongo.URI != "" {
		cfg := store.DefaultMongoConfig()
		cfg.URI = s.Mongo.URI
		if s.Mongo.Database != "" {
			cfg.Database = s.Mongo.Database
		}
		archive, err := store.NewMongoEvidenceArchive(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		a.archive = archive
		a.closers = append(a.closers, archive.Close)
		a.checks["mongo"] = archive.Ping
	} else {
		a.archive = store.NewMemoryEvidenceArchive()
	}
	return nil
}

func (a *app) openPublisher() error {
	if a.settings.NATS.URL == "" {
		a.publisher = events.Nop{}
		return nil
	}
	pub, err := events.ConnectNATS(a.settings.NATS.URL, a.settings.NATS.SubjectPrefix)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	return nil
}

// stepMiddleware is the chain wrapped around every step of workflow.
func (a *app) stepMiddleware(workflow string) []middleware.Middleware {
	return []middleware.Middleware{
		errorhandler.NewRecoverer(true),
		enricher.NewTagEnricher(),
		steplogger.NewStepLogger(nil),
		tracing.NewStepTracer(nil),
		a.metrics.Middleware(workflow),
	}
}

func (a *app) buildLinear(ctx context.Context, predictor linear.Predictor) (*linear.Workflow, error) {
	s := a.settings

	var docs linear.DocumentLookup
	if s.Documents.URL != "" {
		docs = documents.New(&documents.Config{URL: s.Documents.URL, APIKey: s.Documents.APIKey})
	}

	var validator *guardrails.Validator
	if s.Guardrails.Enabled {
		var chain guardrails.Chain
		if s.Guardrails.RulesFile != "" {
			chain = append(chain, guardrails.FileSource{Path: s.Guardrails.RulesFile})
		}
		if a.postgres != nil {
			chain = append(chain, guardrails.GatewaySource{Lister: a.postgres})
		}
		var src guardrails.RuleSource
		if len(chain) > 0 {
			src = chain
		}
		rules := guardrails.LoadRules(ctx, src, logging.WithComponent("guardrails"))
		validator = guardrails.New(guardrails.Config{
			ConfidenceThreshold:    s.Guardrails.ConfidenceThreshold,
			RequireCitations:       s.Guardrails.RequireCitations,
			CostBudgetUSD:          s.Guardrails.CostBudgetUSD,
			MaxExecutionTimeout:    s.Guardrails.MaxExecution(),
			HighPriorityConfidence: s.Guardrails.HighPriorityConfidence,
		}, rules)
	}

	transformer := transform.New()
	transformer.OutputBucket = s.Evaluation.OutputBucket

	return linear.New(linear.Deps{
		Predictor:   predictor,
		Evaluator:   a.evaluation,
		Documents:   docs,
		Validator:   validator,
		Gateway:     a.gateway,
		Transformer: transformer,
		Middleware:  a.stepMiddleware(runner.WorkflowLinear),
	})
}

func (a *app) buildReWOO(ctx context.Context) (*rewoo.Agent, error) {
	s := a.settings

	plannerClient, closePlanner, err := provider.New(ctx, s.LLM, provider.Planner)
	if err != nil {
		return nil, fmt.Errorf("init planner model: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closePlanner() })
	solverClient, closeSolver, err := provider.New(ctx, s.LLM, provider.Solver)
	if err != nil {
		return nil, fmt.Errorf("init solver model: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closeSolver() })
	if plannerClient == nil {
		a.logger.Warn("no LLM configured, ReWOO runs use the default plan and a summary answer")
	}

	var plannerOpts []rewoo.PlannerOption
	var solverOpts []rewoo.SolverOption
	if tok, err := tiktoken.NewTiktokenTokenizer(s.LLM.PlannerModel); err != nil {
		a.logger.Warn("token counter unavailable, usage falls back to provider reports", "model", s.LLM.PlannerModel, "error", err)
	} else {
		plannerOpts = append(plannerOpts, rewoo.WithPlannerTokenCounter(tok))
		solverOpts = append(solverOpts, rewoo.WithSolverTokenCounter(tok))
	}

	return rewoo.New(rewoo.Deps{
		Planner:    rewoo.NewPlanner(plannerClient, nil, plannerOpts...),
		Worker:     rewoo.NewWorker(a.tools.Registry()),
		Solver:     rewoo.NewSolver(solverClient, nil, solverOpts...),
		Archive:    a.archive,
		Middleware: a.stepMiddleware(runner.WorkflowReWOO),
	})
}

// server builds the HTTP handlers over the runner.
func (a *app) server() *api.Server {
	opts := []api.Option{api.WithMetricsHandler(a.metrics.Handler())}
	for name, check := range a.checks {
		opts = append(opts, api.WithHealthCheck(name, check))
	}
	return api.NewServer(a.runner, opts...)
}

// Close releases every connection in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package relay is the public API for embedding the Relay routing core:
// AI request routing, provider resilience, and prompt experimentation for
// repository-analytics workloads.
//
// Product code imports this package to construct the core and route work
// through it:
//
//	app, err := relay.New(
//	    relay.WithLogger(logger),
//	    relay.WithCatalog(myCatalog),
//	)
//	if err != nil { ... }
//	dec, err := app.RouteTask(ctx, relay.RouteRequest{Prompt: task, SessionID: sid})
//
// The import graph enforces a strict no-cycle rule: relay (root) imports
// internal/*, but internal/* never imports relay (root). Public types are
// standalone structs with no internal imports; conversion helpers live
// here because this is the only file that sees both sides of the
// boundary.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/repopulse/relay/internal/breaker"
	"github.com/repopulse/relay/internal/config"
	"github.com/repopulse/relay/internal/health"
	"github.com/repopulse/relay/internal/model"
	"github.com/repopulse/relay/internal/ratelimit"
	"github.com/repopulse/relay/internal/resilience"
	"github.com/repopulse/relay/internal/retry"
	"github.com/repopulse/relay/internal/selector"
	"github.com/repopulse/relay/internal/service/experiments"
	"github.com/repopulse/relay/internal/service/routing"
	"github.com/repopulse/relay/internal/service/usage"
	"github.com/repopulse/relay/internal/storage"
	"github.com/repopulse/relay/internal/telemetry"
	"github.com/repopulse/relay/migrations"
)

// defaultCatalog is used when no WithCatalog option is given. Slice order
// is routing priority.
var defaultCatalog = []ModelDescriptor{
	{ID: "gpt-5-mini", Provider: "openai", Tier: TierFast, ContextWindow: 128000, CostPer1KIn: 0.00015, CostPer1KOut: 0.0006, AvgLatency: 900 * time.Millisecond},
	{ID: "claude-haiku-4", Provider: "anthropic", Tier: TierFast, ContextWindow: 200000, CostPer1KIn: 0.0008, CostPer1KOut: 0.004, AvgLatency: time.Second},
	{ID: "claude-sonnet-4", Provider: "anthropic", Tier: TierQuality, ContextWindow: 200000, CostPer1KIn: 0.003, CostPer1KOut: 0.015, AvgLatency: 2500 * time.Millisecond},
	{ID: "gpt-5", Provider: "openai", Tier: TierQuality, ContextWindow: 272000, CostPer1KIn: 0.00125, CostPer1KOut: 0.01, AvgLatency: 3 * time.Second},
	{ID: "o4-mini", Provider: "openai", Tier: TierEvaluation, ContextWindow: 200000, CostPer1KIn: 0.0011, CostPer1KOut: 0.0044, AvgLatency: 4 * time.Second},
}

// defaultChain names the fallback order for each primary model.
var defaultChain = map[string][]FailoverStep{
	"gpt-5-mini":      {{ModelID: "claude-haiku-4", Delay: time.Second}},
	"claude-haiku-4":  {{ModelID: "gpt-5-mini", Delay: time.Second}},
	"claude-sonnet-4": {{ModelID: "gpt-5", Delay: time.Second}, {ModelID: "gpt-5-mini", Delay: 2 * time.Second}},
	"gpt-5":           {{ModelID: "claude-sonnet-4", Delay: time.Second}, {ModelID: "claude-haiku-4", Delay: 2 * time.Second}},
	"o4-mini":         {{ModelID: "gpt-5", Delay: time.Second}},
}

// App is the Relay core lifecycle. Construct with New(), run background
// loops with Run(). App has no public fields; use New() options to
// configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	logger       *slog.Logger
	version      string
	otelShutdown func(context.Context) error

	healthReg *health.Registry
	breakers  *breaker.Registry
	limiter   ratelimit.Limiter
	exec      *resilience.Executor
	sel       *selector.Selector

	experiments *experiments.Service
	recorder    *usage.Recorder
	router      *routing.Service

	hooks []EventHook
}

// New initialises the Relay core. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start any background
// goroutines; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.monthlyCapUSD != nil {
		cfg.MonthlyCapUSD = *o.monthlyCapUSD
	}
	if o.retryCfg != nil {
		cfg.MaxRetries = o.retryCfg.MaxRetries
		cfg.InitialDelay = o.retryCfg.InitialDelay
		cfg.MaxDelay = o.retryCfg.MaxDelay
		cfg.BackoffMultiple = o.retryCfg.Multiplier
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("relay starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	catalog := o.catalog
	if catalog == nil {
		catalog = defaultCatalog
	}
	chain := o.chain
	if chain == nil {
		chain = defaultChain
	}

	healthReg := health.NewRegistry()

	meter := telemetry.Meter("relay")
	transitions, _ := meter.Int64Counter("relay.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)

	// Circuit transitions feed the health registry so the selector skips
	// open targets immediately.
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		ResetTimeout:     cfg.ResetTimeout,
	}, func(tr breaker.Transition) {
		healthReg.SetCircuitState(tr.Target, tr.To)
		transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("target", tr.Target),
			attribute.String("to", string(tr.To)),
		))
		logger.Info("circuit state change", "target", tr.Target, "from", tr.From, "to", tr.To)
	})

	var limiter ratelimit.Limiter
	if o.limiter != nil {
		limiter = &limiterAdapter{l: o.limiter}
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.LimiterRate, int(cfg.LimiterCapacity))
	}

	retryCfg := retry.Config{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffMultiple,
	}
	exec := resilience.New(limiter, breakers, retryCfg, logger)

	sel := selector.New(toInternalCatalog(catalog), healthReg, toInternalChain(chain))

	expSvc := experiments.New(db, experiments.Config{
		MinSampleSize:     cfg.MinSampleSize,
		MinRuntime:        cfg.MinRuntime,
		MinImprovementPct: cfg.MinImprovementPct,
		Alpha:             cfg.SignificanceAlpha,
	}, logger)

	recorder := usage.New(db, healthReg, expSvc, logger)
	router := routing.New(sel, expSvc, recorder, cfg.MonthlyCapUSD, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		logger:       logger,
		version:      version,
		otelShutdown: otelShutdown,
		healthReg:    healthReg,
		breakers:     breakers,
		limiter:      limiter,
		exec:         exec,
		sel:          sel,
		experiments:  expSvc,
		recorder:     recorder,
		router:       router,
		hooks:        o.eventHooks,
	}, nil
}

// Run starts the background loops (periodic experiment evaluation,
// health snapshot persistence, and the cross-instance notification
// listener) and blocks until ctx is cancelled. On return the App is
// closed; callers should not call Close separately.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.evaluationLoop(ctx) })
	g.Go(func() error { return a.healthFlushLoop(ctx) })
	if a.db.HasNotifyConn() {
		g.Go(func() error { return a.notifyLoop(ctx) })
	} else {
		a.logger.Info("experiment change listener: disabled (no notify connection)")
	}

	err := g.Wait()
	a.Close(context.Background())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Close releases the database pool, limiter, and OTEL providers.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("relay stopping")
	_ = a.limiter.Close()
	_ = a.otelShutdown(ctx)
	a.db.Close(ctx)
}

// RouteTask classifies the task, selects a model under the current
// budget, and resolves the session's experiment variant. This is the
// single routing entry point for product code.
func (a *App) RouteTask(ctx context.Context, req RouteRequest) (RouteDecision, error) {
	dec, err := a.router.Route(ctx, routing.Request{
		Prompt:     req.Prompt,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		PromptType: req.PromptType,
		Category:   model.TaskCategory(req.Category),
	})
	if err != nil {
		return RouteDecision{}, err
	}
	return toPublicDecision(dec), nil
}

// InvokeWithResilience runs op against target under the full resilience
// stack: rate limiting, circuit breaking, and retry with backoff. tokens
// is the rate-limit debit for the call (use 1 when unsure). A nil
// retryCfg uses the configured defaults.
//
// Failure categories are inspectable with FailureKindOf.
func (a *App) InvokeWithResilience(ctx context.Context, target string, tokens int, retryCfg *RetryConfig, op func(ctx context.Context) error) error {
	var rc *retry.Config
	if retryCfg != nil {
		rc = &retry.Config{
			MaxRetries:   retryCfg.MaxRetries,
			InitialDelay: retryCfg.InitialDelay,
			MaxDelay:     retryCfg.MaxDelay,
			Multiplier:   retryCfg.Multiplier,
		}
	}
	return a.exec.Invoke(ctx, target, tokens, rc, op)
}

// FailureKindOf maps an error from InvokeWithResilience to its failure
// category: "cancelled", "circuit_open", "rate_limited",
// "transient_exhausted", or "permanent".
func FailureKindOf(err error) string {
	return string(resilience.Classify(err))
}

// RecordOutcome persists one call's facts: the usage ledger, model
// health, and (when the call belonged to an experiment) the variant's
// running metrics.
func (a *App) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := a.recorder.RecordOutcome(ctx, toInternalOutcome(o))
	return err
}

// EvaluateExperiment checks the running experiment for promptType
// against the promotion gates and reports the winner or the structured
// reason promotion is withheld.
func (a *App) EvaluateExperiment(ctx context.Context, promptType string) (Evaluation, error) {
	ev, err := a.experiments.Evaluate(ctx, promptType)
	if err != nil {
		return Evaluation{}, err
	}
	return toPublicEvaluation(ev), nil
}

// EvaluateVariant is EvaluateExperiment addressed by variant id instead
// of prompt type, for callers holding the id of a specific challenger.
func (a *App) EvaluateVariant(ctx context.Context, variantID uuid.UUID) (Evaluation, error) {
	ev, err := a.experiments.EvaluateVariant(ctx, variantID)
	if err != nil {
		return Evaluation{}, err
	}
	return toPublicEvaluation(ev), nil
}

// PromoteWinner activates the variant as the sole production version for
// its prompt type and archives its competitors. Registered event hooks
// are notified after the change commits.
func (a *App) PromoteWinner(ctx context.Context, variantID uuid.UUID) error {
	v, err := a.db.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	if err := a.experiments.Promote(ctx, variantID); err != nil {
		return err
	}
	pub := toPublicVariant(v)
	for _, h := range a.hooks {
		if err := h.OnWinnerPromoted(ctx, pub); err != nil {
			a.logger.Warn("event hook OnWinnerPromoted failed", "error", err)
		}
	}
	return nil
}

// Rollback reactivates an archived version as the production variant.
// A missing target returns the "target_version_not_found" reason with a
// nil error; the active variant is left unchanged.
func (a *App) Rollback(ctx context.Context, promptType, version string) (reason string, err error) {
	r, err := a.experiments.Rollback(ctx, promptType, version)
	if err != nil || r != "" {
		return string(r), err
	}
	for _, h := range a.hooks {
		if err := h.OnRolledBack(ctx, promptType, version); err != nil {
			a.logger.Warn("event hook OnRolledBack failed", "error", err)
		}
	}
	return "", nil
}

// CreateVariant registers a new prompt variant.
func (a *App) CreateVariant(ctx context.Context, v PromptVariant) (uuid.UUID, error) {
	return a.db.CreateVariant(ctx, toInternalVariant(v))
}

// HealthSnapshots returns the current in-memory health view of every
// observed model.
func (a *App) HealthSnapshots() []ModelHealth {
	snaps := a.healthReg.Snapshots()
	out := make([]ModelHealth, 0, len(snaps))
	for _, h := range snaps {
		out = append(out, toPublicHealth(h))
	}
	return out
}

// FailoverChainFor returns the configured fallback steps for a primary
// model, in the order a caller should try them. Nil when the model has
// no chain.
func (a *App) FailoverChainFor(modelID string) []FailoverStep {
	steps := a.sel.FailoverFor(modelID)
	if steps == nil {
		return nil
	}
	out := make([]FailoverStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, FailoverStep{ModelID: s.ModelID, Delay: s.Delay})
	}
	return out
}

// BreakerState reports the circuit state for target: "closed", "open",
// or "half_open".
func (a *App) BreakerState(target string) string {
	return string(a.exec.BreakerState(target))
}

// DailyUsage returns per-model daily cost rollups for the half-open
// interval [from, to).
func (a *App) DailyUsage(ctx context.Context, from, to time.Time) ([]DailyUsage, error) {
	rows, err := a.recorder.DailyUsage(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]DailyUsage, 0, len(rows))
	for _, r := range rows {
		out = append(out, DailyUsage(r))
	}
	return out, nil
}

// MonthlySpend reports the current calendar month's spend for userID, or
// product-wide when userID is empty.
func (a *App) MonthlySpend(ctx context.Context, userID string) (float64, error) {
	return a.recorder.MonthlySpend(ctx, userID)
}

// ── Background loops ──────────────────────────────────────────────────

func (a *App) evaluationLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			a.sweepExperiments(opCtx)
			cancel()
		}
	}
}

// sweepExperiments evaluates every running experiment once and logs the
// verdicts. Promotion stays an explicit operator action; the sweep only
// surfaces readiness.
func (a *App) sweepExperiments(ctx context.Context) {
	types, err := a.db.ListRunningPromptTypes(ctx)
	if err != nil {
		a.logger.Warn("experiment sweep: list failed", "error", err)
		return
	}
	for _, pt := range types {
		ev, err := a.experiments.Evaluate(ctx, pt)
		if err != nil {
			a.logger.Warn("experiment sweep: evaluate failed", "prompt_type", pt, "error", err)
			continue
		}
		if ev.Eligible {
			a.logger.Info("experiment ready for promotion",
				"prompt_type", pt,
				"winner_version", ev.Winner.Version,
				"improvement_pct", ev.Test.ImprovementPct,
				"p_value", ev.Test.PValue,
			)
		} else {
			a.logger.Debug("experiment not ready",
				"prompt_type", pt,
				"reason", ev.Reason,
			)
		}
	}
}

func (a *App) healthFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HealthFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := a.recorder.FlushHealth(opCtx); err != nil {
				a.logger.Warn("health flush failed", "error", err)
			}
			cancel()
		}
	}
}

// notifyLoop relays cross-instance variant changes to registered event
// hooks, so every instance learns about promotions performed elsewhere.
func (a *App) notifyLoop(ctx context.Context) error {
	if err := a.db.Listen(ctx, storage.ChannelExperiments); err != nil {
		return fmt.Errorf("listen %s: %w", storage.ChannelExperiments, err)
	}
	for {
		_, payload, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ev struct {
			Event      string    `json:"event"`
			PromptType string    `json:"prompt_type"`
			Version    string    `json:"version"`
			VariantID  uuid.UUID `json:"variant_id"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.logger.Warn("experiment notification: bad payload", "error", err)
			continue
		}
		a.logger.Info("experiment change received",
			"event", ev.Event,
			"prompt_type", ev.PromptType,
			"version", ev.Version,
		)
	}
}

// ── Public/internal conversions ───────────────────────────────────────

// limiterAdapter lets an externally supplied Limiter satisfy the
// internal interface.
type limiterAdapter struct {
	l Limiter
}

func (a *limiterAdapter) Allow(ctx context.Context, key string, n int) (bool, error) {
	return a.l.Allow(ctx, key, n)
}

func (a *limiterAdapter) Acquire(ctx context.Context, key string, n int) error {
	return a.l.Acquire(ctx, key, n)
}

func (a *limiterAdapter) Close() error { return a.l.Close() }

func toInternalCatalog(catalog []ModelDescriptor) []model.ModelDescriptor {
	out := make([]model.ModelDescriptor, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, model.ModelDescriptor{
			ID:            m.ID,
			Provider:      m.Provider,
			Tier:          model.Tier(m.Tier),
			ContextWindow: m.ContextWindow,
			CostPer1KIn:   m.CostPer1KIn,
			CostPer1KOut:  m.CostPer1KOut,
			AvgLatency:    m.AvgLatency,
			Strengths:     m.Strengths,
			Weaknesses:    m.Weaknesses,
		})
	}
	return out
}

func toInternalChain(chain map[string][]FailoverStep) model.FailoverChain {
	out := make(model.FailoverChain, len(chain))
	for id, steps := range chain {
		conv := make([]model.FailoverStep, 0, len(steps))
		for _, s := range steps {
			conv = append(conv, model.FailoverStep{ModelID: s.ModelID, Delay: s.Delay})
		}
		out[id] = conv
	}
	return out
}

func toPublicModel(m model.ModelDescriptor) ModelDescriptor {
	return ModelDescriptor{
		ID:            m.ID,
		Provider:      m.Provider,
		Tier:          Tier(m.Tier),
		ContextWindow: m.ContextWindow,
		CostPer1KIn:   m.CostPer1KIn,
		CostPer1KOut:  m.CostPer1KOut,
		AvgLatency:    m.AvgLatency,
		Strengths:     m.Strengths,
		Weaknesses:    m.Weaknesses,
	}
}

func toPublicDecision(d model.RouteDecision) RouteDecision {
	out := RouteDecision{
		Model:            toPublicModel(d.Model),
		Category:         TaskCategory(d.Category),
		MaxOutputTokens:  d.MaxOutputTokens,
		Timeout:          d.Timeout,
		EstimatedCostUSD: d.EstimatedCostUSD,
		EstimatedLatency: d.EstimatedLatency,
		Reason:           d.Reason,
		FailoverFrom:     d.FailoverFrom,
	}
	if d.Variant != nil {
		v := toPublicVariant(*d.Variant)
		out.Variant = &v
	}
	return out
}

func toPublicVariant(v model.PromptVariant) PromptVariant {
	return PromptVariant{
		ID:                v.ID,
		PromptType:        v.PromptType,
		Version:           v.Version,
		SystemPrompt:      v.SystemPrompt,
		UserPrompt:        v.UserPrompt,
		TrafficAllocation: v.TrafficAllocation,
		IsControl:         v.IsControl,
		IsActive:          v.IsActive,
		IsWinner:          v.IsWinner,
		Status:            string(v.Status),
		Metrics:           VariantMetrics(v.Metrics),
		StartedAt:         v.StartedAt,
		CreatedAt:         v.CreatedAt,
	}
}

func toInternalVariant(v PromptVariant) model.PromptVariant {
	return model.PromptVariant{
		ID:                v.ID,
		PromptType:        v.PromptType,
		Version:           v.Version,
		SystemPrompt:      v.SystemPrompt,
		UserPrompt:        v.UserPrompt,
		TrafficAllocation: v.TrafficAllocation,
		IsControl:         v.IsControl,
		IsActive:          v.IsActive,
		IsWinner:          v.IsWinner,
		Status:            model.VariantStatus(v.Status),
		Metrics:           model.VariantMetrics(v.Metrics),
		StartedAt:         v.StartedAt,
		CreatedAt:         v.CreatedAt,
	}
}

func toInternalOutcome(o Outcome) model.Outcome {
	return model.Outcome{
		UserID:        o.UserID,
		SessionID:     o.SessionID,
		PromptType:    o.PromptType,
		VariantID:     o.VariantID,
		ModelID:       o.ModelID,
		TaskCategory:  model.TaskCategory(o.TaskCategory),
		InputTokens:   o.InputTokens,
		OutputTokens:  o.OutputTokens,
		CostUSD:       o.CostUSD,
		Latency:       o.Latency,
		Success:       o.Success,
		FailoverFrom:  o.FailoverFrom,
		RouteReason:   o.RouteReason,
		Completed:     o.Completed,
		FeedbackScore: o.FeedbackScore,
		Edited:        o.Edited,
		Regenerated:   o.Regenerated,
	}
}

func toPublicEvaluation(ev experiments.Evaluation) Evaluation {
	out := Evaluation{
		Eligible:       ev.Eligible,
		Reason:         string(ev.Reason),
		ZScore:         ev.Test.ZScore,
		PValue:         ev.Test.PValue,
		ImprovementPct: ev.Test.ImprovementPct,
	}
	if ev.Winner != nil {
		v := toPublicVariant(*ev.Winner)
		out.Winner = &v
	}
	return out
}

func toPublicHealth(h model.ModelHealth) ModelHealth {
	return ModelHealth{
		ModelID:        h.ModelID,
		Status:         string(h.Status),
		AvgLatency:     h.AvgLatency,
		TotalRequests:  h.TotalRequests,
		FailedRequests: h.FailedRequests,
		SuccessRate:    h.SuccessRate,
		CircuitState:   h.CircuitState,
		UpdatedAt:      h.UpdatedAt,
	}
}

package relay

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	databaseURL     string
	notifyURL       string
	catalog         []ModelDescriptor
	chain           map[string][]FailoverStep
	limiter         Limiter
	monthlyCapUSD   *float64
	retryCfg        *RetryConfig
	eventHooks      []EventHook
	extraMigrations []fs.FS
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries, since LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithCatalog replaces the built-in model catalog. Slice order is the
// routing priority order, both within a tier and for cross-tier fallback.
func WithCatalog(catalog []ModelDescriptor) Option {
	return func(o *resolvedOptions) { o.catalog = catalog }
}

// WithFailoverChain replaces the built-in failover chains. Keys are
// primary model IDs; values are the ordered fallbacks to try.
func WithFailoverChain(chain map[string][]FailoverStep) Option {
	return func(o *resolvedOptions) { o.chain = chain }
}

// WithRateLimiter replaces the built-in in-process token bucket.
func WithRateLimiter(l Limiter) Option {
	return func(o *resolvedOptions) { o.limiter = l }
}

// WithMonthlyCap overrides the monthly budget cap from config
// (RELAY_MONTHLY_CAP_USD env var). A cap of 0 disables budget-aware
// downgrades.
func WithMonthlyCap(usd float64) Option {
	return func(o *resolvedOptions) { o.monthlyCapUSD = &usd }
}

// WithRetryDefaults overrides the default retry policy from config.
// Per-invocation configs passed to InvokeWithResilience still win.
func WithRetryDefaults(cfg RetryConfig) Option {
	return func(o *resolvedOptions) { o.retryCfg = &cfg }
}

// WithEventHook registers a hook for variant lifecycle events.
// Multiple hooks may be registered; all receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

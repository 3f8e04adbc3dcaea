package kiroku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	chainPath   string
	environment string
	logger      *slog.Logger
	version     string
}

// WithPort overrides the TCP port from config (KIROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithChainPath overrides the SQLite file backing the audit chain
// (KIROKU_CHAIN_PATH env var).
func WithChainPath(path string) Option {
	return func(o *resolvedOptions) { o.chainPath = path }
}

// WithEnvironment overrides the environment recorded in every chain entry's
// context (KIROKU_ENVIRONMENT env var).
func WithEnvironment(env string) Option {
	return func(o *resolvedOptions) { o.environment = env }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

package kansoku

import (
	"log/slog"

	"github.com/ashita-ai/kansoku/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	pbxClient PBXClient
}

// WithConfig replaces environment configuration entirely. Values are
// normalized and validated as if they had been loaded.
func WithConfig(cfg Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
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

// WithPBXClient enables the polling sources against c. Calls are rate limited
// to KANSOKU_PBX_RATE_LIMIT_RPS.
func WithPBXClient(c PBXClient) Option {
	return func(o *resolvedOptions) { o.pbxClient = c }
}

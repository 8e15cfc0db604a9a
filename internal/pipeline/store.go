package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/load"
	"github.com/JonMunkholm/cnpjsync/internal/load/clickhouse"
	"github.com/JonMunkholm/cnpjsync/internal/load/postgres"
	"github.com/JonMunkholm/cnpjsync/internal/retry"
)

// Load targets.
const (
	TargetPostgres   = "postgres"
	TargetClickHouse = "clickhouse"
	TargetNone       = "none"
)

// StoreFactory opens the configured target store.
type StoreFactory func(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *slog.Logger) (load.Store, error)

// OpenStore opens the store named by cfg.Load.Target.
func OpenStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *slog.Logger) (load.Store, error) {
	switch strings.ToLower(cfg.Load.Target) {
	case TargetPostgres:
		return postgres.Open(ctx, cfg.Database, log)
	case TargetClickHouse:
		return clickhouse.Open(ctx, cfg.ClickHouse, clock, log)
	default:
		return nil, retry.Permanent(fmt.Errorf("unknown load target %q", cfg.Load.Target))
	}
}

// retryConfig applies the remote retry settings to other network calls.
func (r *Runner) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	if r.cfg.Remote.RetryAttempts > 0 {
		cfg.MaxAttempts = r.cfg.Remote.RetryAttempts
	}
	if r.cfg.Remote.RetryDelay > 0 {
		cfg.Delay = r.cfg.Remote.RetryDelay
	}
	cfg.Clock = r.clock
	return cfg
}

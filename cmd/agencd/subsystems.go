package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/agenc-labs/agenc-core/pkg/alerts"
	"github.com/agenc-labs/agenc-core/pkg/audit"
	"github.com/agenc-labs/agenc-core/pkg/config"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/policy"
	"github.com/agenc-labs/agenc-core/pkg/rbac"
	"github.com/agenc-labs/agenc-core/pkg/replay"
)

// subsystems is everything a subcommand may need, wired once from the
// process environment and the selected profile.
type subsystems struct {
	proc    *config.Process
	runtime config.Runtime
	logger  *slog.Logger
	sink    metrics.Provider
	otel    *metrics.OTel

	store      replay.Store
	dispatcher *alerts.Dispatcher
	engine     *policy.Engine
	tools      *policy.ToolEvaluator
	trail      *audit.Trail
	matrix     *rbac.Matrix
}

func buildSubsystems(ctx context.Context, stderr io.Writer) (*subsystems, error) {
	proc := config.LoadProcess()

	s := &subsystems{
		proc:   proc,
		logger: newLogger(stderr, proc.LogLevel),
		sink:   metrics.Nop{},
		matrix: rbac.NewMatrix(),
	}

	if proc.Profile != "" {
		profile, err := config.LoadProfile(proc.ProfilesDir, proc.Profile)
		if err != nil {
			return nil, err
		}
		s.runtime = profile.Runtime
		s.logger.Info("profile loaded", "profile", profile.Name)
	}
	if proc.Workers > 0 {
		s.runtime.Agent.Workers = proc.Workers
	}

	if proc.OTLPEndpoint != "" {
		cfg := metrics.DefaultOTelConfig()
		cfg.OTLPEndpoint = proc.OTLPEndpoint
		cfg.ServiceVersion = config.RuntimeVersion
		otel, err := metrics.NewOTel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("metrics export: %w", err)
		}
		s.otel = otel
		s.sink = otel
	}

	if proc.StorePath != "" {
		store, err := replay.OpenSQLiteStore(proc.StorePath, s.runtime.Store,
			replay.WithSQLiteMetrics(s.sink))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.store = store
	} else {
		s.store = replay.NewMemoryStore(s.runtime.Store,
			replay.WithMemoryMetrics(s.sink))
	}

	s.dispatcher = alerts.NewDispatcher(
		alerts.WithLogger(s.logger),
		alerts.WithMetrics(s.sink),
	)

	engineOpts := []policy.EngineOption{
		policy.WithLogger(s.logger),
		policy.WithMetrics(s.sink),
	}
	if proc.RedisAddr != "" {
		engineOpts = append(engineOpts,
			policy.WithBuckets(policy.NewRedisBuckets(proc.RedisAddr, "", 0, "")))
	}
	if proc.PostgresDSN != "" {
		ledger, err := policy.OpenPostgresSpendLedger(proc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open spend ledger: %w", err)
		}
		engineOpts = append(engineOpts, policy.WithSpendLedger(ledger))
	}
	s.engine = policy.NewEngine(s.runtime.Policy, engineOpts...)

	if len(s.runtime.Tools) > 0 {
		tools, err := policy.NewToolEvaluator(s.runtime.Tools, nil)
		if err != nil {
			return nil, fmt.Errorf("tool policy: %w", err)
		}
		s.tools = tools
	}

	s.trail = audit.NewTrail(
		audit.WithLogger(s.logger),
		audit.WithMetrics(s.sink),
	)

	return s, nil
}

// close flushes and releases everything in reverse wiring order.
func (s *subsystems) close(ctx context.Context) {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("close store", "error", err)
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown metrics", "error", err)
		}
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

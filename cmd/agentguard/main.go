// Command agentguard runs the security proxy that mediates an autonomous
// agent's access to Gmail and Calendar. It wires the admission
// pipeline's components from on-disk configuration and environment
// overrides, then serves the HTTP surface until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kurogane-sec/agentguard/common/environment"
	"github.com/kurogane-sec/agentguard/common/logging"
	"github.com/kurogane-sec/agentguard/common/version"
	"github.com/kurogane-sec/agentguard/internal/agentguard/audit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/authn"
	"github.com/kurogane-sec/agentguard/internal/agentguard/config"
	"github.com/kurogane-sec/agentguard/internal/agentguard/provider"
	"github.com/kurogane-sec/agentguard/internal/agentguard/quota"
	"github.com/kurogane-sec/agentguard/internal/agentguard/ratelimit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/replay"
	"github.com/kurogane-sec/agentguard/internal/agentguard/server"
)

func main() {
	logLevel := environment.StringOr("AGENTGUARD_LOG_LEVEL", "info")
	if environment.BoolOr("AGENTGUARD_DEBUG", false) {
		logLevel = "debug"
	}
	logging.Setup(logLevel, environment.StringOr("AGENTGUARD_LOG_FORMAT", "text"))

	fmt.Printf("agentguard %s (%s)\n", version.Version, version.GitCommit)

	dataDir := environment.StringOr("AGENTGUARD_DATA_DIR", "./data")
	paths := config.ResolvePaths(dataDir)

	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentguard: %v\n", err)
		os.Exit(1)
	}
	cfg.Paths = paths

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "agentguard: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	replayStore, err := replay.New(cfg.Paths.ReplayDir)
	if err != nil {
		return fmt.Errorf("replay store: %w", err)
	}

	auditLog, err := audit.Open(cfg.Paths.AuditPath)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	authenticator := authn.New(
		cfg.APIKey,
		cfg.SigningKeyCurrent,
		cfg.SigningKeyPrevious,
		time.Duration(cfg.TokenTTLSeconds)*time.Second,
		replayStore,
	)

	limiter := ratelimit.New(cfg.MaxRequestsPerMinute)
	sendQuota := quota.New(cfg.Paths.SendCounterPath)
	calendarQuota := quota.New(cfg.Paths.CalendarCounterPath)

	providerCommand := environment.StringOr("AGENTGUARD_PROVIDER_CMD", "gworkspace-cli")
	providerTimeout := environment.DurationOr("AGENTGUARD_PROVIDER_TIMEOUT", 30*time.Second)
	providerAdapter := provider.New(providerCommand, providerTimeout)

	srv := server.New(cfg, authenticator, limiter, replayStore, sendQuota, calendarQuota, auditLog, providerAdapter)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go sweepReplayMarkers(ctx, replayStore)

	<-ctx.Done()
	slog.Info("agentguard: shutting down")
	srv.Stop()
	return nil
}

// sweepReplayMarkers runs the replay store's cooperative sweeper on a
// one-minute cadence, at most once per minute per process.
// Store.Sweep is itself idempotent within that window, so an extra tick
// lost to a slow previous sweep is harmless.
func sweepReplayMarkers(ctx context.Context, store *replay.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if deleted, err := store.Sweep(); err != nil {
				slog.Warn("agentguard: replay sweep failed", "err", err)
			} else if deleted > 0 {
				slog.Info("agentguard: swept expired replay markers", "deleted", deleted)
			}
		}
	}
}

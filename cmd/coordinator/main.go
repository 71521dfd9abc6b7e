// Command coordinator starts the polyglot persistence coordinator as a
// standalone process: it wires the relational backend from environment
// configuration, connects every registered backend, and runs the recovery
// worker on a cron schedule until signaled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/internal/config"
	"github.com/R3E-Network/polyglot-coordinator/pkg/coordinator"
)

func main() {
	serviceName := config.GetEnv("SERVICE_NAME", "polyglot-coordinator")
	logger := logging.NewFromEnv(serviceName)

	cfg := coordinator.DefaultConfig()
	cfg.ServiceName = serviceName
	cfg.Logger = logger
	cfg.GovernanceStrict = config.GetEnvBool("GOVERNANCE_STRICT", true)
	cfg.Autostart = config.GetEnvBool("AUTOSTART", true)
	cfg.DiscoveryCacheTTL = config.ParseDurationOrDefault(config.GetEnv("DISCOVERY_CACHE_TTL", ""), cfg.DiscoveryCacheTTL)
	cfg.SagaDeadline = config.ParseDurationOrDefault(config.GetEnv("SAGA_DEADLINE", ""), cfg.SagaDeadline)
	cfg.RecoveryMaxRetries = config.GetEnvInt("RECOVERY_MAX_RETRIES", cfg.RecoveryMaxRetries)
	cfg.RecoveryScanLimit = config.GetEnvInt("RECOVERY_SCAN_LIMIT", cfg.RecoveryScanLimit)

	cfg.Relational = coordinator.RelationalConfig{
		Enabled:        config.GetEnvBool("RELATIONAL_ENABLED", true),
		Backend:        config.GetEnv("RELATIONAL_BACKEND", "sqlite"),
		Host:           config.GetEnv("RELATIONAL_HOST", "localhost"),
		Port:           config.GetEnvInt("RELATIONAL_PORT", 5432),
		User:           config.GetEnv("RELATIONAL_USER", ""),
		Password:       config.GetEnv("RELATIONAL_PASSWORD", ""),
		Database:       config.GetEnv("RELATIONAL_DATABASE", ""),
		Path:           config.GetEnv("RELATIONAL_PATH", "coordinator.db"),
		MinConnections: config.GetEnvInt("RELATIONAL_MIN_CONNECTIONS", 5),
		MaxConnections: config.GetEnvInt("RELATIONAL_MAX_CONNECTIONS", 50),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := coordinator.CreateManager(cfg)
	if err != nil {
		log.Fatalf("create_manager: %v", err)
	}
	defer c.StopAll(context.Background())

	recoveryCron := config.GetEnv("RECOVERY_CRON", "*/5 * * * *")
	if err := c.StartScheduledRecovery(ctx, recoveryCron); err != nil {
		logger.Error(ctx, "failed to start scheduled recovery sweep", err, nil)
	}

	logger.Info(ctx, "coordinator started", map[string]any{
		"relational_backend": cfg.Relational.Backend,
		"governance_strict":  cfg.GovernanceStrict,
	})

	<-ctx.Done()
	logger.Info(context.Background(), "coordinator shutting down", nil)
	time.Sleep(100 * time.Millisecond) // let in-flight recovery sweep's goroutine observe ctx cancellation
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quillnotes/notes-api/config"
	"github.com/quillnotes/notes-api/idempotency"
	"github.com/quillnotes/notes-api/kv"
	"github.com/quillnotes/notes-api/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "notesd",
		Short:         "Notes API server with idempotent writes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (env NOTES_CONFIG)")
	root.PersistentFlags().String("env-file", "", "path to a dotenv file (env NOTES_ENV_FILE)")
	root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error (env NOTES_LOG_LEVEL)")
	root.AddCommand(newServeCmd(), newIdemCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// flagOrEnv returns the flag value if set, then the environment value, then
// defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName, envName, defaultValue string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok && v != "" {
		return v
	}
	return defaultValue
}

func setup(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(
		flagOrEnv(cmd, "config", "NOTES_CONFIG", ""),
		flagOrEnv(cmd, "env-file", "NOTES_ENV_FILE", ""),
	)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log := logger.New(cfg.LogFormat, logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}

// openStore connects the configured backend and wraps it in a circuit
// breaker unless the breaker is disabled. The returned function releases
// the backend.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (kv.Store, *kv.Breaker, func(), error) {
	opts := []kv.Option{kv.WithPrefix(cfg.Idempotency.KeyPrefix)}
	var (
		store   kv.Store
		closeFn func()
	)
	switch cfg.Store.Kind {
	case config.StoreRedis:
		client, err := kv.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store = kv.NewRedis(client, opts...)
		closeFn = func() { client.Close() }
	case config.StoreSQLite:
		s, err := kv.NewSQLite(ctx, cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		store = s
		closeFn = func() { s.Close() }
	case config.StoreMemory:
		log.Warn("memory store selected, idempotency is not shared between instances")
		store = kv.NewMemory(ctx, opts...)
		closeFn = func() { store.Close() }
	default:
		return nil, nil, nil, errors.Newf("unknown store kind %q", cfg.Store.Kind)
	}
	log.Info("idempotency store: %s", cfg.Store.Kind)
	if cfg.Store.Breaker.MaxFailures == 0 {
		return store, nil, closeFn, nil
	}
	bc := kv.DefaultBreakerConfig()
	bc.MaxFailures = cfg.Store.Breaker.MaxFailures
	if cfg.Store.Breaker.Cooldown > 0 {
		bc.Cooldown = cfg.Store.Breaker.Cooldown.D()
	}
	breaker := kv.NewBreaker(store, bc)
	return breaker, breaker, closeFn, nil
}

func newCoordinator(cfg *config.Config, store kv.Store, log logger.Logger) *idempotency.Coordinator {
	idem := cfg.Idempotency
	return idempotency.New(store,
		idempotency.WithLogger(log),
		idempotency.WithTTL(idem.TTL.D()),
		idempotency.WithLockTTL(idem.LockTTL.D()),
		idempotency.WithPoll(idem.PollInterval.D(), idem.PollTimeout.D()),
		idempotency.WithLockRenewal(idem.Renewal()),
		idempotency.WithFailOpen(idem.FailOpen),
	)
}

// watchBreaker logs circuit transitions until ctx is done.
func watchBreaker(ctx context.Context, b *kv.Breaker, log logger.Logger, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := b.State()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			state := b.State()
			if state == last {
				continue
			}
			if state == kv.StateOpen {
				log.Error("idempotency store circuit %s, guarded writes are failing", state)
			} else {
				log.Info("idempotency store circuit %s", state)
			}
			last = state
		}
	}
}

package relayd

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	kvlogging "pkt.systems/relayd/internal/kv/logging"
	"pkt.systems/relayd/internal/kv/memory"
	kvredis "pkt.systems/relayd/internal/kv/redis"
	kvretry "pkt.systems/relayd/internal/kv/retry"
	"pkt.systems/relayd/internal/relstore"
	"pkt.systems/relayd/internal/tasks"
)

const storeReadyTimeout = 5 * time.Second

// openKV opens the KV backend named by cfg.KVStore. The returned store is
// wrapped with transient-error retries and tracing.
func openKV(cfg Config, clk clock.Clock, logger pslog.Logger) (kv.Store, error) {
	scheme, err := kvScheme(cfg.KVStore)
	if err != nil {
		return nil, err
	}
	var inner kv.Store
	switch scheme {
	case "mem":
		inner = memory.NewWithClock(clk)
	case "redis":
		store, err := kvredis.Open(cfg.KVStore)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeReadyTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("kv store not ready: %w", err)
		}
		inner = store
	}
	return decorateKV(inner, scheme, cfg, clk, logger), nil
}

func decorateKV(inner kv.Store, backend string, cfg Config, clk clock.Clock, logger pslog.Logger) kv.Store {
	retried := kvretry.Wrap(inner, logger, clk, kvretry.Config{
		MaxAttempts: cfg.KVRetryAttempts,
		BaseDelay:   cfg.KVRetryBaseDelay,
		MaxDelay:    cfg.KVRetryMaxDelay,
	})
	return kvlogging.Wrap(retried, logger, backend)
}

// openRelStore opens the relational store and bootstraps the task schema.
func openRelStore(ctx context.Context, dsn string) (relstore.Store, error) {
	db, err := relstore.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	if err := tasks.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/signet/pkg/config"
	"github.com/stacklok/signet/pkg/logger"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/storage/redis"
	"github.com/stacklok/signet/pkg/storage/sqlite"
)

// storageMaxTries bounds the connection retries at startup. Redis and SQLite
// are often started alongside signet, so the first attempts may race the
// backend coming up.
const storageMaxTries = 5

// openStore connects the configured repository backend, retrying transient
// connection failures with exponential backoff.
func openStore(ctx context.Context, cfg *config.Config) (storage.Repositories, error) {
	backend := cfg.StorageBackend()

	connect := func() (storage.Repositories, error) {
		switch backend {
		case config.BackendRedis:
			return redis.New(ctx, cfg.Storage.RedisURL, "signet")
		case config.BackendSQLite:
			return sqlite.Open(ctx, cfg.Storage.DatabasePath)
		default:
			return storage.NewMemory(), nil
		}
	}

	if backend == config.BackendMemory {
		return connect()
	}

	expBackoff := backoff.NewExponentialBackOff()
	repo, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(storageMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Storage backend %s not ready, retrying in %s: %v", backend, duration, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s storage: %w", backend, err)
	}
	return repo, nil
}

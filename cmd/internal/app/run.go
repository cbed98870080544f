package app

import (
	"context"
	"fmt"
)

// Run builds the App from cfg and serves until ctx is cancelled.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context, cfg Config, log Logger) error {
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// loadDeviceID resolves the device identifier without starting the runtime.
func loadDeviceID(ctx context.Context, cfg Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return deviceIdentity(ctx, cfg, nil)
	}

	pool, err := openIdentityPool(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	return deviceIdentity(ctx, cfg, pool)
}

package app

import (
	"errors"
	"fmt"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/ranging/simengine"
)

// ErrCapabilityUnavailable is the only fatal condition: this device cannot range at all.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// CheckCapability verifies token encoding and the configured ranging engine once at startup.
func CheckCapability(cfg Config) error {
	if _, err := codec.New(); err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}
	if !newEngine(cfg).Supported() {
		return fmt.Errorf("%w: %w", ErrCapabilityUnavailable, ranging.ErrEngineUnavailable)
	}
	return nil
}

func newEngine(cfg Config) ranging.Engine {
	return simengine.New(simengine.Options{
		UpdateEvery: cfg.SimUpdateEvery,
		Directional: cfg.SimDirectional,
		Unsupported: cfg.Engine == "none",
	})
}

// fatalIfUnavailable tags errors that mean ranging can never work on this device.
func fatalIfUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrCapabilityUnavailable) {
		return err
	}
	if errors.Is(err, ranging.ErrEngineUnavailable) || errors.Is(err, codec.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}
	return err
}

// Package app wires the nearby runtime: config, logging, identity, transport, the session
// coordinator, and the HTTP surface that exposes its state.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"nearby/cmd/internal/coordinator"
	"nearby/cmd/internal/identity"
	"nearby/cmd/internal/metrics"
	"nearby/cmd/internal/transport"
	"nearby/cmd/internal/transport/memtransport"
	"nearby/cmd/internal/transport/wstransport"
)

// App is the nearby runtime. It owns the coordinator of this device and, with the mem
// transport, a companion device in the same process to range against.
type App struct {
	cfg Config
	log Logger

	deviceID string
	devices  []*coordinator.Coordinator

	ws     *wstransport.Transport
	dbPool *pgxpool.Pool

	releaseOnce sync.Once
	cleanup     []func()
}

// New validates cfg, checks ranging capability, and wires every component. Errors wrapping
// ErrCapabilityUnavailable are fatal.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := CheckCapability(cfg); err != nil {
		return nil, err
	}
	metrics.RegisterMetrics()

	a := &App{cfg: cfg, log: log}

	if cfg.DatabaseURL != "" {
		pool, err := openIdentityPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool
		a.cleanup = append(a.cleanup, pool.Close)
		log.Info("db.enabled.postgres_identity")
	}

	id, err := deviceIdentity(ctx, cfg, a.dbPool)
	if err != nil {
		a.release()
		return nil, err
	}
	a.deviceID = id

	if err := a.wireDevices(); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

// DeviceID returns this device's persistent identifier.
func (a *App) DeviceID() string { return a.deviceID }

// State returns the snapshot of this device's coordinator.
func (a *App) State() coordinator.State { return a.devices[0].CurrentState() }

func (a *App) wireDevices() error {
	switch a.cfg.Transport {
	case "mem":
		fabric := memtransport.NewFabric(a.log)
		local := fabric.Join(a.cfg.DisplayName)
		companion := fabric.Join(a.cfg.DisplayName + "-companion")
		a.cleanup = append(a.cleanup, local.Close, companion.Close)

		if err := a.addDevice(a.cfg.DisplayName, a.deviceID, local); err != nil {
			return err
		}
		companionID, err := identity.New(time.Now().UTC())
		if err != nil {
			return err
		}
		return a.addDevice(a.cfg.DisplayName+"-companion", companionID, companion)

	default:
		a.ws = wstransport.New(wstransport.Options{
			Log:            a.log,
			Name:           a.cfg.DisplayName,
			Peers:          a.cfg.Peers,
			BrowseInterval: a.cfg.BrowseInterval,
		})
		a.cleanup = append(a.cleanup, func() { _ = a.ws.Close() })
		return a.addDevice(a.cfg.DisplayName, a.deviceID, a.ws)
	}
}

func (a *App) addDevice(name, deviceID string, tr transport.Transport) error {
	c, err := coordinator.New(coordinator.Config{
		ServiceType:     a.cfg.ServiceType,
		ServiceIdentity: a.cfg.ServiceIdentity,
		DeviceID:        deviceID,
		InviteTimeout:   a.cfg.InviteTimeout,
	}, coordinator.Options{
		Log:       a.log.With("device", name),
		Transport: tr,
		Engine:    newEngine(a.cfg),
		Observer:  metrics.NewRecorder(name),
	})
	if err != nil {
		return fatalIfUnavailable(err)
	}
	a.devices = append(a.devices, c)
	return nil
}

// Run serves HTTP (and the pairing endpoint for the ws transport), starts every coordinator,
// and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}}
	if a.ws != nil {
		// Links are long-lived: no read/write deadlines on this server.
		servers = append(servers, &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           a.PairHandler(),
			ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		})
		a.log.Info("pair.listen", "url", wsBaseURL(runtimeBaseURL(a.cfg.ListenAddr))+"/pair", "peers", len(a.cfg.Peers))
	}

	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("server.start", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for _, c := range a.devices {
			if err := c.Start(gctx); err != nil {
				return fatalIfUnavailable(err)
			}
		}
		a.log.Info("coordinator.started", "device_id", a.deviceID, "transport", a.cfg.Transport)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		a.Close()
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close stops every coordinator and releases transports and the database pool.
func (a *App) Close() {
	for _, c := range a.devices {
		_ = c.Close()
	}
	a.release()
}

func (a *App) release() {
	a.releaseOnce.Do(func() {
		for i := len(a.cleanup) - 1; i >= 0; i-- {
			a.cleanup[i]()
		}
	})
}

// deviceIdentity loads or creates the persistent device id from Postgres (when configured)
// or the identity file.
func deviceIdentity(ctx context.Context, cfg Config, pool *pgxpool.Pool) (string, error) {
	var store identity.Store
	if pool != nil {
		st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema), identity.WithKey(cfg.DisplayName))
		if err != nil {
			return "", err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return "", err
		}
		store = st
	} else {
		st, err := identity.NewFileStore(cfg.IdentityFile)
		if err != nil {
			return "", err
		}
		store = st
	}

	id, err := identity.NewProvider(store, nil).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("device identity: %w", err)
	}
	return id, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

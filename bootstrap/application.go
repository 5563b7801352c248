package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/treemx/cluster"
	"github.com/najoast/treemx/config"
	"github.com/sirupsen/logrus"
)

// DefaultApplication implements the Application interface
type DefaultApplication struct {
	config    *config.Config
	host      cluster.Host
	lifecycle *DefaultLifecycleManager
	log       *logrus.Entry

	mutex   sync.Mutex
	running bool

	// signals that end Run, SIGINT and SIGTERM unless replaced in tests
	signals []os.Signal
}

// NewApplication builds the cluster described by cfg and registers its
// services. A non-nil watcher enables hot reload of timing.
func NewApplication(cfg *config.Config, watcher *config.Watcher, log *logrus.Entry) (*DefaultApplication, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	tree, err := cfg.Tree()
	if err != nil {
		return nil, err
	}
	host, err := cluster.NewHost(&cluster.Config{
		Tree:        tree,
		Starter:     cfg.StarterID(),
		Timing:      cfg.NodeTiming(),
		MailboxSize: cfg.Cluster.MailboxSize,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}

	app := &DefaultApplication{
		config:    cfg,
		host:      host,
		lifecycle: NewLifecycleManager(log),
		log:       log,
		signals:   []os.Signal{os.Interrupt, syscall.SIGTERM},
	}

	if err := app.lifecycle.Register(NewClusterService(host)); err != nil {
		return nil, err
	}
	if cfg.Monitor.Enabled {
		monitor := NewMonitorService(host, cfg.Monitor.Interval.Std(), log)
		if err := app.lifecycle.Register(monitor, "cluster"); err != nil {
			return nil, err
		}
	}
	if watcher != nil {
		if err := app.lifecycle.Register(NewWatcherService(watcher, host, log), "cluster"); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Run runs fg while the services are up
func (app *DefaultApplication) Run(ctx context.Context, fg Foreground) error {
	app.mutex.Lock()
	if app.running {
		app.mutex.Unlock()
		return fmt.Errorf("application is already running")
	}
	app.running = true
	app.mutex.Unlock()

	runCtx, stop := signal.NotifyContext(ctx, app.signals...)
	defer stop()

	if err := app.lifecycle.Start(runCtx); err != nil {
		app.mutex.Lock()
		app.running = false
		app.mutex.Unlock()
		return fmt.Errorf("failed to start services: %w", err)
	}

	var fgErr error
	if fg != nil {
		fgErr = fg(runCtx)
	} else {
		<-runCtx.Done()
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		app.log.Info("received shutdown signal, starting graceful shutdown")
	}
	if errors.Is(fgErr, context.Canceled) {
		fgErr = nil
	}

	return errors.Join(fgErr, app.Shutdown(context.WithoutCancel(ctx)))
}

// Shutdown shuts down the application gracefully
func (app *DefaultApplication) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	if !app.running {
		app.mutex.Unlock()
		return nil
	}
	app.running = false
	app.mutex.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := app.lifecycle.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	return nil
}

// Host returns the cluster host
func (app *DefaultApplication) Host() cluster.Host {
	return app.host
}

// Config returns the configuration the application was built from
func (app *DefaultApplication) Config() *config.Config {
	return app.config
}

// LifecycleManager returns the lifecycle manager
func (app *DefaultApplication) LifecycleManager() LifecycleManager {
	return app.lifecycle
}

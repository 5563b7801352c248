package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/najoast/treemx/cluster"
	"github.com/najoast/treemx/config"
	"github.com/sirupsen/logrus"
)

// ClusterService runs the cluster host.
type ClusterService struct {
	host cluster.Host
}

// NewClusterService wraps host.
func NewClusterService(host cluster.Host) *ClusterService {
	return &ClusterService{host: host}
}

func (s *ClusterService) Name() string { return "cluster" }

func (s *ClusterService) Start(ctx context.Context) error {
	// The processes outlive the start context.
	return s.host.Start(context.WithoutCancel(ctx))
}

func (s *ClusterService) Stop(ctx context.Context) error {
	return s.host.Stop(ctx)
}

func (s *ClusterService) Health(ctx context.Context) (HealthStatus, error) {
	h, err := s.host.Health(ctx)
	if errors.Is(err, cluster.ErrNotStarted) {
		return HealthStatus{State: HealthStopped, LastCheck: time.Now()}, nil
	}
	if err != nil {
		return HealthStatus{}, err
	}

	status := HealthStatus{
		State:     HealthHealthy,
		LastCheck: h.LastUpdate,
		Data: map[string]interface{}{
			"run_id":      h.RunID,
			"processes":   h.TotalNodes,
			"active":      h.Active,
			"crashed":     h.Crashed,
			"recovering":  h.Recovering,
			"in_cs":       int(h.InCS),
			"violations":  h.Violations,
			"undelivered": h.Undelivered,
		},
	}
	switch {
	case !h.IsHealthy:
		status.State = HealthUnhealthy
		status.Message = fmt.Sprintf("%d mutual exclusion violations", h.Violations)
	case h.Uninitialized > 0:
		status.State = HealthStarting
		status.Message = fmt.Sprintf("%d processes not oriented yet", h.Uninitialized)
	}
	return status, nil
}

// MonitorService periodically checks the per-process invariants.
type MonitorService struct {
	host     cluster.Host
	interval time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	checks    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitorService checks host every interval.
func NewMonitorService(host cluster.Host, interval time.Duration, log *logrus.Entry) *MonitorService {
	return &MonitorService{
		host:     host,
		interval: interval,
		log:      log.WithField("component", "monitor"),
	}
}

func (s *MonitorService) Name() string { return "monitor" }

func (s *MonitorService) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("monitor interval %s: %w", s.interval, config.ErrInvalidDuration)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.check(runCtx)
			}
		}
	}()
	return nil
}

func (s *MonitorService) check(ctx context.Context) {
	err := s.host.Check(ctx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.lastErr = err
	s.lastCheck = time.Now()
	s.checks++
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Warn("invariant violated")
		return
	}
	s.log.Debug("invariants hold")
}

func (s *MonitorService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MonitorService) Health(context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := HealthStatus{
		State:     HealthHealthy,
		LastCheck: s.lastCheck,
		Data:      map[string]interface{}{"checks": s.checks},
	}
	switch {
	case s.checks == 0:
		status.State = HealthStarting
	case s.lastErr != nil:
		status.State = HealthUnhealthy
		status.Message = s.lastErr.Error()
	}
	return status, nil
}

// WatcherService applies configuration file changes to the running
// cluster. Only timing can change without a restart; other edits are
// reported and left for the next start.
type WatcherService struct {
	watcher *config.Watcher
	host    cluster.Host
	log     *logrus.Entry

	mu      sync.Mutex
	applied int
	pending bool
}

// NewWatcherService watches w on behalf of host.
func NewWatcherService(w *config.Watcher, host cluster.Host, log *logrus.Entry) *WatcherService {
	s := &WatcherService{
		watcher: w,
		host:    host,
		log:     log.WithField("component", "config"),
	}
	w.SetLogger(s.log)
	w.OnConfigChange(s.apply)
	return s
}

func (s *WatcherService) Name() string { return "config-watcher" }

func (s *WatcherService) Start(context.Context) error {
	return s.watcher.Start()
}

func (s *WatcherService) Stop(context.Context) error {
	return s.watcher.Stop()
}

func (s *WatcherService) apply(old, next *config.Config) {
	if old.Equal(next) {
		return
	}
	if !old.OnlyTimingChanged(next) {
		s.log.Warnf("configuration %s changed outside timing, requires restart", s.watcher.Path())
		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.host.UpdateTiming(ctx, next.NodeTiming()); err != nil {
		s.log.WithError(err).Error("failed to apply timing")
		return
	}
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
}

func (s *WatcherService) Health(context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := HealthStatus{
		State:     HealthHealthy,
		LastCheck: time.Now(),
		Data: map[string]interface{}{
			"path":    s.watcher.Path(),
			"applied": s.applied,
		},
	}
	if s.pending {
		status.Message = "restart required to apply configuration changes"
	}
	return status, nil
}

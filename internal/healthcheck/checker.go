// Package healthcheck probes the stores the throttle depends on (database,
// redis) and keeps a per-dependency status for the health endpoint.
package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Probe returns nil while the dependency is reachable
type Probe func(ctx context.Context) error

// Performs health checks on dependencies
type Checker struct {
	mu          sync.RWMutex
	probes      map[string]Probe
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	nowFn       func() time.Time
	stopChan    chan struct{}
	running     bool
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Per-probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
	Now         func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Checker{
		probes:      make(map[string]Probe),
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		nowFn:       cfg.Now,
	}
}

// Registers a dependency. Dependencies start healthy.
func (c *Checker) Add(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
	c.status[name] = &Status{Name: name, IsHealthy: true, LastCheck: c.nowFn()}
}

// Begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	log.WithFields(log.Fields{"dependencies": len(c.probes), "interval": c.interval}).Info("starting dependency health checks")

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		log.Info("health checker stopped")
	}
}

// Probes every dependency concurrently and returns the resulting overall health
func (c *Checker) CheckAll(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			c.record(name, probe(probeCtx))
		}(name, probe)
	}
	wg.Wait()

	return c.OverallHealth()
}

func (c *Checker) record(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.status[name]
	if !ok {
		return
	}
	now := c.nowFn()
	status.LastCheck = now

	if err == nil {
		status.LastSuccess = now
		status.FailureCount = 0
		status.LastError = ""
		if !status.IsHealthy {
			log.WithField("dependency", name).Info("dependency is healthy again")
			status.IsHealthy = true
		}
		return
	}

	status.LastFailure = now
	status.LastError = err.Error()
	status.FailureCount++
	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		log.WithError(err).WithFields(log.Fields{
			"dependency": name,
			"failures":   status.FailureCount,
		}).Warn("dependency is unhealthy")
		status.IsHealthy = false
	}
}

// Returns the health status of every dependency, sorted by name
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.status))
	for _, status := range c.status {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Return the health status of a specific dependency
func (c *Checker) GetStatus(name string) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if status, exists := c.status[name]; exists {
		statusCopy := *status
		return &statusCopy
	}
	return nil
}

// Healthy when every dependency is, Unhealthy when none is
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, status := range c.status {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.status):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}

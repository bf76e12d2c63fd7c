package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipecoord/pipecoord/pkg/types"
)

// Component names used as the label/key for counters.
const (
	ComponentCache     = "cache"
	ComponentQueue     = "queue"
	ComponentStream    = "stream"
	ComponentRateLimit = "ratelimit"
	ComponentStore     = "store"
)

// BreakerStates is implemented by the circuit manager; the collector pulls
// breaker states at snapshot time instead of tracking transitions itself.
type BreakerStates interface {
	States() map[string]string
}

// Collector implements metrics collection for the coordination layer.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	opsCounter      *prometheus.CounterVec
	hitCounter      *prometheus.CounterVec
	missCounter     *prometheus.CounterVec
	errorCounter    *prometheus.CounterVec
	degradedCounter *prometheus.CounterVec
	breakerGauge    *prometheus.GaugeVec

	// Internal tracking
	components map[string]*types.ComponentStats
	breakers   BreakerStates

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   false,
			Port:      9190,
			Path:      "/metrics",
			Namespace: "pipecoord",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "pipecoord"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:     config,
		registry:   registry,
		components: make(map[string]*types.ComponentStats),
	}

	c.opsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "ops_total",
		Help:      "Total operations per component",
	}, []string{"component"})
	c.hitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "hits_total",
		Help:      "Cache and lookup hits per component and tier",
	}, []string{"component", "tier"})
	c.missCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "misses_total",
		Help:      "Cache and lookup misses per component",
	}, []string{"component"})
	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "errors_total",
		Help:      "Hard errors per component",
	}, []string{"component"})
	c.degradedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "degraded_total",
		Help:      "Degraded outcomes (miss on open circuit, fail-open checks, L1-only writes)",
	}, []string{"component"})
	c.breakerGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "breaker_state",
		Help:      "Breaker state per operation class (0=closed, 1=open, 2=half-open)",
	}, []string{"class"})

	for _, collector := range []prometheus.Collector{
		c.opsCounter, c.hitCounter, c.missCounter,
		c.errorCounter, c.degradedCounter, c.breakerGauge,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// SetBreakerSource wires the circuit manager whose states the snapshot
// reports.
func (c *Collector) SetBreakerSource(src BreakerStates) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers = src
}

// Start serves the Prometheus endpoint if enabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the private registry so embedders can mount it on their
// own HTTP surface.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) component(name string) *types.ComponentStats {
	stats, ok := c.components[name]
	if !ok {
		stats = &types.ComponentStats{}
		c.components[name] = stats
	}
	return stats
}

// RecordOp records one operation for the component.
func (c *Collector) RecordOp(component string) {
	c.mu.Lock()
	c.component(component).Ops++
	c.mu.Unlock()

	c.opsCounter.WithLabelValues(component).Inc()
}

// RecordHit records a hit, tagged with the serving tier.
func (c *Collector) RecordHit(component, tier string) {
	c.mu.Lock()
	c.component(component).Hits++
	c.mu.Unlock()

	c.hitCounter.WithLabelValues(component, tier).Inc()
}

// RecordMiss records a miss.
func (c *Collector) RecordMiss(component string) {
	c.mu.Lock()
	c.component(component).Misses++
	c.mu.Unlock()

	c.missCounter.WithLabelValues(component).Inc()
}

// RecordError records a hard error.
func (c *Collector) RecordError(component string) {
	c.mu.Lock()
	c.component(component).Errors++
	c.mu.Unlock()

	c.errorCounter.WithLabelValues(component).Inc()
}

// RecordDegraded records a degraded outcome: an L1-only write, a read that
// degraded to a miss, or a fail-open rate check.
func (c *Collector) RecordDegraded(component string) {
	c.mu.Lock()
	c.component(component).Degraded++
	c.mu.Unlock()

	c.degradedCounter.WithLabelValues(component).Inc()
}

// Snapshot returns a point-in-time copy of all counters and breaker states.
func (c *Collector) Snapshot() types.StatsSnapshot {
	c.mu.Lock()
	snap := types.StatsSnapshot{
		Components: make(map[string]types.ComponentStats, len(c.components)),
		Breakers:   make(map[string]string),
		TakenAt:    time.Now(),
	}
	for name, stats := range c.components {
		snap.Components[name] = *stats
	}
	breakers := c.breakers
	c.mu.Unlock()

	if breakers != nil {
		states := breakers.States()
		for class, state := range states {
			snap.Breakers[class] = state
			c.breakerGauge.WithLabelValues(class).Set(breakerStateValue(state))
		}
	}
	return snap
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

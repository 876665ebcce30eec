// Package base provides the lifecycle and health plumbing shared by observers
package base

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// HealthState is the coarse health of an observer
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is what an observer reports to a health endpoint
type HealthStatus struct {
	State     HealthState `json:"state"`
	Message   string      `json:"message"`
	LastError string      `json:"last_error,omitempty"`
}

// Statistics is a snapshot of observer counters
type Statistics struct {
	CyclesProcessed int64         `json:"cycles_processed"`
	ErrorCount      int64         `json:"error_count"`
	LastCycleTime   time.Time     `json:"last_cycle_time"`
	Uptime          time.Duration `json:"uptime"`
}

// BaseObserver provides common statistics and health tracking for observers.
// Embed it to get Statistics() and Health().
type BaseObserver struct {
	name      string
	startTime time.Time
	now       func() time.Time

	cyclesProcessed atomic.Int64
	errorCount      atomic.Int64
	lastCycleTime   atomic.Value // time.Time
	lastError       atomic.Value // string

	isHealthy          atomic.Bool
	standby            atomic.Value // string
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	cycleCounter metric.Int64Counter
	errorCounter metric.Int64Counter

	logger *zap.Logger
}

// BaseObserverConfig holds configuration for BaseObserver
type BaseObserverConfig struct {
	Name               string
	HealthCheckTimeout time.Duration
	ErrorRateThreshold float64 // Default 0.5
	MetricsEnabled     bool
	Logger             *zap.Logger
}

// NewBaseObserver creates a new base observer with the given name
func NewBaseObserver(name string, healthCheckTimeout time.Duration) *BaseObserver {
	return NewBaseObserverWithConfig(BaseObserverConfig{
		Name:               name,
		HealthCheckTimeout: healthCheckTimeout,
	})
}

// NewBaseObserverWithConfig creates a new base observer with full configuration
func NewBaseObserverWithConfig(config BaseObserverConfig) *BaseObserver {
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.5
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	bo := &BaseObserver{
		name:               config.Name,
		startTime:          time.Now(),
		now:                time.Now,
		healthCheckTimeout: config.HealthCheckTimeout,
		errorRateThreshold: config.ErrorRateThreshold,
		logger:             config.Logger,
	}
	bo.isHealthy.Store(true)
	bo.lastCycleTime.Store(time.Time{})
	bo.lastError.Store("")
	bo.standby.Store("")

	if config.MetricsEnabled {
		bo.initializeMetrics()
	}
	return bo
}

func (bo *BaseObserver) initializeMetrics() {
	meter := otel.Meter(bo.name)

	var err error
	bo.cycleCounter, err = meter.Int64Counter(
		fmt.Sprintf("%s_cycles_processed_total", bo.name),
		metric.WithDescription("Total sampling cycles processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		// Metrics are optional
		bo.logger.Debug("Failed to create cycles counter", zap.String("observer", bo.name), zap.Error(err))
		bo.cycleCounter = nil
	}

	bo.errorCounter, err = meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", bo.name),
		metric.WithDescription("Total failed sampling cycles"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create errors counter", zap.String("observer", bo.name), zap.Error(err))
		bo.errorCounter = nil
	}
}

// RecordCycle marks one completed cycle
func (bo *BaseObserver) RecordCycle(ctx context.Context) {
	bo.cyclesProcessed.Add(1)
	bo.lastCycleTime.Store(bo.now())
	if bo.cycleCounter != nil {
		bo.cycleCounter.Add(ctx, 1)
	}
}

// RecordError marks one failed cycle
func (bo *BaseObserver) RecordError(ctx context.Context, err error) {
	bo.errorCount.Add(1)
	if err != nil {
		bo.lastError.Store(err.Error())
	}
	if bo.errorCounter != nil {
		bo.errorCounter.Add(ctx, 1)
	}
}

// SetHealthy sets the observer health status
func (bo *BaseObserver) SetHealthy(healthy bool) {
	bo.isHealthy.Store(healthy)
}

// SetStandby marks the observer as idle on purpose. Health reports degraded
// with reason until SetStandby("") is called.
func (bo *BaseObserver) SetStandby(reason string) {
	bo.standby.Store(reason)
}

// IsHealthy returns true if the observer is healthy
func (bo *BaseObserver) IsHealthy() bool {
	return bo.isHealthy.Load()
}

// Statistics returns observer statistics
func (bo *BaseObserver) Statistics() Statistics {
	return Statistics{
		CyclesProcessed: bo.cyclesProcessed.Load(),
		ErrorCount:      bo.errorCount.Load(),
		LastCycleTime:   bo.lastCycleTime.Load().(time.Time),
		Uptime:          time.Since(bo.startTime),
	}
}

// Health returns health status
func (bo *BaseObserver) Health() HealthStatus {
	lastErr := bo.lastError.Load().(string)

	if !bo.isHealthy.Load() {
		return HealthStatus{
			State:     HealthUnhealthy,
			Message:   fmt.Sprintf("%s observer is unhealthy", bo.name),
			LastError: lastErr,
		}
	}

	if reason := bo.standby.Load().(string); reason != "" {
		return HealthStatus{
			State:   HealthDegraded,
			Message: fmt.Sprintf("%s observer standing by: %s", bo.name, reason),
		}
	}

	// Only judge staleness once a cycle has completed
	if last := bo.lastCycleTime.Load().(time.Time); !last.IsZero() && bo.healthCheckTimeout > 0 {
		if since := bo.now().Sub(last); since > bo.healthCheckTimeout {
			return HealthStatus{
				State:     HealthDegraded,
				Message:   fmt.Sprintf("No cycle completed for %v", since),
				LastError: lastErr,
			}
		}
	}

	cycles := bo.cyclesProcessed.Load()
	errs := bo.errorCount.Load()
	if total := cycles + errs; total > 0 {
		if rate := float64(errs) / float64(total); rate > bo.errorRateThreshold {
			return HealthStatus{
				State: HealthDegraded,
				Message: fmt.Sprintf("High error rate: %.1f%% (threshold: %.1f%%)",
					rate*100, bo.errorRateThreshold*100),
				LastError: lastErr,
			}
		}
	}

	return HealthStatus{
		State:   HealthHealthy,
		Message: fmt.Sprintf("%s observer operating normally", bo.name),
	}
}

// GetName returns the observer name
func (bo *BaseObserver) GetName() string {
	return bo.name
}

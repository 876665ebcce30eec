package base

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown times out
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// LifecycleManager handles goroutine lifecycle and graceful shutdown
type LifecycleManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	logger   *zap.Logger

	runningGoroutines atomic.Int32
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(ctx context.Context, logger *zap.Logger) *LifecycleManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &LifecycleManager{
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Start launches a named goroutine bound to the manager's context
func (lm *LifecycleManager) Start(name string, fn func(ctx context.Context)) {
	lm.wg.Add(1)
	lm.runningGoroutines.Add(1)

	go func() {
		defer lm.wg.Done()
		defer lm.runningGoroutines.Add(-1)

		lm.logger.Debug("Starting goroutine", zap.String("name", name))
		defer lm.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn(lm.ctx)
	}()
}

// Stop cancels the context and waits up to timeout for every goroutine to return
func (lm *LifecycleManager) Stop(timeout time.Duration) error {
	lm.logger.Info("Initiating graceful shutdown",
		zap.Int32("running_goroutines", lm.runningGoroutines.Load()),
		zap.Duration("timeout", timeout))

	lm.stopOnce.Do(func() {
		close(lm.stopCh)
		lm.cancel()
	})

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		lm.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", lm.runningGoroutines.Load()))
		return ErrShutdownTimeout
	}
}

// Context returns the lifecycle context
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// IsShuttingDown checks if shutdown has been initiated
func (lm *LifecycleManager) IsShuttingDown() bool {
	select {
	case <-lm.stopCh:
		return true
	default:
		return false
	}
}

// GetRunningGoroutines returns the number of running goroutines
func (lm *LifecycleManager) GetRunningGoroutines() int32 {
	return lm.runningGoroutines.Load()
}

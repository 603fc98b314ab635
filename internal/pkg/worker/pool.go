// Package worker provides goroutine pool management.
//
// Naked goroutines are forbidden in this codebase; all concurrency goes
// through a pool with context propagation. The array pool is deliberately
// small so per-candidate detail fetches never stampede the array's
// management endpoint.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	General *Pool
	Array   *Pool
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	GeneralPoolSize int
	ArrayPoolSize   int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize: 32,
		ArrayPoolSize:   8,
	}
}

// NewPools creates the worker pool collection.
func NewPools(cfg PoolConfig) (*Pools, error) {
	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	arrayAnts, err := ants.NewPool(cfg.ArrayPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second), // array detail fetches are slower
	)
	if err != nil {
		generalAnts.Release()
		return nil, err
	}

	return &Pools{
		General: &Pool{pool: generalAnts, name: "general"},
		Array:   &Pool{pool: arrayAnts, name: "array"},
	}, nil
}

// Submit submits a context-aware task.
// The task receives the caller's context and SHOULD check ctx.Done() at
// blocking points. If the context is already cancelled, returns ctx.Err()
// immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.pool.Submit(func() {
		// Check context again inside worker (may have been cancelled while queued)
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
}

// Group runs tasks on the pool and waits for all of them, the shape used
// for bounded per-candidate detail fetches.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup
}

// NewGroup creates a waitable task group over a pool.
func (p *Pool) NewGroup() *Group {
	return &Group{pool: p}
}

// Go submits a task and tracks it for Wait.
func (g *Group) Go(ctx context.Context, task Task) error {
	g.wg.Add(1)
	err := g.pool.Submit(ctx, func(ctx context.Context) {
		defer g.wg.Done()
		task(ctx)
	})
	if err != nil {
		g.wg.Done()
	}
	return err
}

// Wait blocks until every submitted task has finished.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Shutdown gracefully shuts down all pools with a timeout.
func (p *Pools) Shutdown() {
	const shutdownTimeout = 30 * time.Second
	if err := p.General.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
	if err := p.Array.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Array pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"general": map[string]int{
			"running": p.General.pool.Running(),
			"free":    p.General.pool.Free(),
			"cap":     p.General.pool.Cap(),
		},
		"array": map[string]int{
			"running": p.Array.pool.Running(),
			"free":    p.Array.pool.Free(),
			"cap":     p.Array.pool.Cap(),
		},
	}
}

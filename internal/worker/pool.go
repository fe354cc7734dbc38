// Package worker runs background work (outcome and webhook processing) on a
// bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrPoolOverloaded is returned when the pool and its queue are full.
var ErrPoolOverloaded = errors.New("worker pool is overloaded")

type Task func(ctx context.Context)

type Config struct {
	Name string
	Size int
	// tasks allowed to wait for a free worker; 0 means unbounded
	QueueSize int
}

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string

	// service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 64
	}
	if cfg.Name == "" {
		cfg.Name = "general"
	}

	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		log.WithFields(log.Fields{"pool": cfg.Name, "panic": p}).Errorf("worker panic recovered\n%s", debug.Stack())
	}

	opts := []ants.Option{
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10 * time.Second),
	}
	if cfg.QueueSize > 0 {
		opts = append(opts, ants.WithMaxBlockingTasks(cfg.QueueSize))
	}

	pool, err := ants.NewPool(cfg.Size, opts...)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	return &Pool{
		pool:          pool,
		name:          cfg.Name,
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit runs task with the caller's context. A context already cancelled
// returns ctx.Err() without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.submit(func() {
		// may have been cancelled while queued
		select {
		case <-ctx.Done():
			log.WithField("pool", p.name).Debug("task skipped: context cancelled")
			return
		default:
		}
		task(ctx)
	})
}

// SubmitDetached runs task with the service context, so it outlives the
// request that queued it but still stops on shutdown.
func (p *Pool) SubmitDetached(task Task) error {
	return p.submit(func() {
		select {
		case <-p.serviceCtx.Done():
			log.WithField("pool", p.name).Debug("detached task skipped: service shutting down")
			return
		default:
		}
		task(p.serviceCtx)
	})
}

func (p *Pool) submit(fn func()) error {
	err := p.pool.Submit(fn)
	switch {
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrPoolOverloaded
	default:
		return err
	}
}

// Cancels detached work and waits up to timeout for running tasks
func (p *Pool) Shutdown(timeout time.Duration) {
	p.serviceCancel()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		log.WithError(err).WithField("pool", p.name).Warn("worker pool shutdown timeout")
	}
}

func (p *Pool) Metrics() map[string]int {
	return map[string]int{
		"running": p.pool.Running(),
		"free":    p.pool.Free(),
		"waiting": p.pool.Waiting(),
		"cap":     p.pool.Cap(),
	}
}

package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

type task struct {
	ctx       context.Context
	sessionID string
	raw       []byte
	onNew     Notifier
	reply     chan FrameResult
}

// Pool runs frames on a fixed number of workers so CPU-bound decode and crop work
// is bounded by the configured worker count regardless of how many callers submit.
type Pool struct {
	pipeline *Pipeline
	taskChan chan task
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines over p. workers below 1 are treated as 1.
func NewPool(p *Pipeline, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	pool := &Pool{
		pipeline: p,
		taskChan: make(chan task, workers),
	}
	for range workers {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for t := range pool.taskChan {
				t.reply <- p.ProcessDetailed(context.WithoutCancel(t.ctx), t.sessionID, t.raw, t.onNew)
			}
		}()
	}
	return pool
}

// Submit queues a frame and waits for its result. ctx only bounds the wait for a
// free worker; once a worker has taken the frame it runs to completion.
func (pool *Pool) Submit(ctx context.Context, sessionID string, raw []byte, onNew Notifier) (FrameResult, error) {
	reply := make(chan FrameResult, 1)

	pool.mu.RLock()
	if pool.closed {
		pool.mu.RUnlock()
		return FrameResult{}, ErrPoolClosed
	}
	select {
	case pool.taskChan <- task{ctx: ctx, sessionID: sessionID, raw: raw, onNew: onNew, reply: reply}:
		pool.mu.RUnlock()
	case <-ctx.Done():
		pool.mu.RUnlock()
		return FrameResult{}, ctx.Err()
	}

	return <-reply, nil
}

// Close stops accepting frames, lets queued frames finish and waits for the workers.
func (pool *Pool) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	close(pool.taskChan)
	pool.mu.Unlock()

	pool.wg.Wait()
}

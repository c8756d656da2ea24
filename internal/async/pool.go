package async

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Pool runs CPU-bound work (decode, OCR) on a fixed number of goroutines so request
// handlers only wait on it.
type Pool struct {
	tasks  chan task
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type task struct {
	fn   func() error
	done chan error
}

// NewPool starts n workers; n <= 0 means GOMAXPROCS.
func NewPool(n int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{tasks: make(chan task), logger: logger}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Debug("pool.started", "workers", n)
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.done <- run(t.fn)
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool task panicked: %v", r)
		}
	}()
	return fn()
}

// Do runs fn on a worker and returns its error. Waiting for a free worker stops
// when ctx ends; once fn has started, Do waits for it.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrQueueClosed
	}
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	return <-t.done
}

// Shutdown rejects new work and waits for running tasks.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

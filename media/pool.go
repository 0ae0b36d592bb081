package media

import (
	"context"
	"fmt"
	"sync"

	"proximity-server/relay"
)

// WorkerPool is a fixed set of relay workers handed out round robin. One pool can serve
// several orchestrators.
type WorkerPool struct {
	mu      sync.Mutex
	workers []relay.Worker
	next    int
}

// NewWorkerPool creates n workers up front.
func NewWorkerPool(ctx context.Context, engine relay.Engine, n int) (*WorkerPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", n)
	}
	p := &WorkerPool{}
	for i := 0; i < n; i++ {
		w, err := engine.CreateWorker(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Next returns the next worker.
func (p *WorkerPool) Next() (relay.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil, relay.ErrClosed
	}
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w, nil
}

func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *WorkerPool) Close() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}

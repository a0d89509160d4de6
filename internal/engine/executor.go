package engine

import "sync"

// Executor runs short-lived participant calls.
type Executor interface {
	Go(task func())
}

// Inline runs each task on the caller's goroutine.
type Inline struct{}

func (Inline) Go(task func()) { task() }

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewPool starts workers goroutines; values below one start a single worker.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.done:
			return
		}
	}
}

// Go hands task to an idle worker, or runs it inline once the pool is closed.
func (p *Pool) Go(task func()) {
	select {
	case p.tasks <- task:
	case <-p.done:
		task()
	}
}

// Close stops the workers after their current task.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

package execution

import "sync"

// WorkerPool runs slice tasks on a fixed set of goroutines so a slow provider
// cannot stall the dispatcher tick.
type WorkerPool struct {
	size     int
	taskChan chan func()
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:     size,
		taskChan: make(chan func(), size*2),
		stopChan: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains the workers. Tasks submitted after Stop are dropped.
func (p *WorkerPool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

// Submit hands a task to the pool, blocking while the queue is full.
func (p *WorkerPool) Submit(task func()) {
	select {
	case p.taskChan <- task:
	case <-p.stopChan:
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskChan:
			if task != nil {
				task()
			}
		case <-p.stopChan:
			return
		}
	}
}

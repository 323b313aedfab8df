package local

import (
	"errors"
	"sync"
)

// Task is a unit of work run by a Pool.
type Task func() error

// Pool runs tasks on a fixed number of goroutines and collects their errors.
type Pool struct {
	numWorkers int
	tasks      chan Task
	once       sync.Once
	wg         sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers),
	}
}

func (p *Pool) Start() {
	p.once.Do(func() {
		for range p.numWorkers {
			p.wg.Go(func() {
				for task := range p.tasks {
					if task == nil {
						continue
					}
					if err := task(); err != nil {
						p.mu.Lock()
						p.errs = append(p.errs, err)
						p.mu.Unlock()
					}
				}
			})
		}
	})
}

func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Close waits for submitted tasks and returns their joined errors.
func (p *Pool) Close() error {
	close(p.tasks)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

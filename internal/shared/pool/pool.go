// Package pool bounds the number of goroutines used by fan-out calls.
package pool

import "sync"

type Task func()

type Pool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup
}

func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task),
	}
}

func (p *Pool) Start() {
	for range p.numWorkers {
		p.wg.Go(func() {
			for task := range p.tasks {
				task()
			}
		})
	}
}

func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Close waits for every submitted task to finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}

// Each runs fn for every item with at most limit concurrent calls and
// returns once all calls are done.
func Each[T any](limit int, items []T, fn func(T)) {
	if len(items) == 0 {
		return
	}
	p := New(min(limit, len(items)))
	p.Start()
	for _, item := range items {
		p.Submit(func() { fn(item) })
	}
	p.Close()
}

// Package jobs holds the map/reduce function pairs every node knows ahead of
// time. MapReduce jobs reference them by name instead of shipping code.
package jobs

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nemanja-m/distrib/pkg/core"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	Map    core.MapFunc
	Reduce core.ReduceFunc
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Job)
)

func Register(name string, job Job) error {
	if job.Map == nil || job.Reduce == nil {
		return fmt.Errorf("job %s must define both map and reduce", name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("job already registered: %s", name)
	}
	registry[name] = job
	return nil
}

// MustRegister is Register for init functions.
func MustRegister(name string, job Job) {
	if err := Register(name, job); err != nil {
		panic(err)
	}
}

func Get(name string) (Job, error) {
	mu.RLock()
	defer mu.RUnlock()
	job, exists := registry[name]
	if !exists {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, nil
}

func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

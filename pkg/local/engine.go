// Package local runs registered jobs inside one process over local files.
// It is the reference the distributed engine is checked against and the
// reader used to load files into a group's store.
package local

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/nemanja-m/distrib/internal/shared/pool"
	"github.com/nemanja-m/distrib/pkg/core"
)

var ErrNoInput = errors.New("no files matched the input patterns")

type Engine struct {
	config core.JobConfig
}

func NewEngine(config core.JobConfig) *Engine {
	if config.NumMappers <= 0 {
		config.NumMappers = 1
	}
	if config.NumReducers <= 0 {
		config.NumReducers = 1
	}
	return &Engine{config: config}
}

// Run reads the input files, runs the job and writes one part file per
// reducer partition into the output directory.
func (e *Engine) Run() error {
	records, err := ReadRecords(e.config.Input...)
	if err != nil {
		return err
	}
	return e.writeResults(e.Execute(records))
}

// Execute maps, shuffles and reduces records and returns the results keyed
// by reducer partition, each partition sorted by key.
func (e *Engine) Execute(records []core.KeyValue) map[int][]core.KeyValue {
	mapped := e.runMap(records)
	partitioned := e.runShuffle(mapped)
	return e.runReduce(partitioned)
}

func (e *Engine) runMap(records []core.KeyValue) []core.KeyValue {
	var (
		mu      sync.Mutex
		results []core.KeyValue
	)
	pool.Each(e.config.NumMappers, records, func(record core.KeyValue) {
		kvs := e.config.MapFunc(record.Key, record.Value)
		mu.Lock()
		results = append(results, kvs...)
		mu.Unlock()
	})
	return results
}

func (e *Engine) runShuffle(mapped []core.KeyValue) map[int][]core.KeyValue {
	var partitioned = make(map[int][]core.KeyValue)
	for _, kv := range mapped {
		partition := core.Partition(kv.Key, e.config.NumReducers)
		partitioned[partition] = append(partitioned[partition], kv)
	}

	// Stable so values of one key keep their map order.
	for _, records := range partitioned {
		slices.SortStableFunc(records, func(left, right core.KeyValue) int {
			return cmp.Compare(left.Key, right.Key)
		})
	}

	return partitioned
}

func (e *Engine) runReduce(partitioned map[int][]core.KeyValue) map[int][]core.KeyValue {
	var results = make(map[int][]core.KeyValue)
	for part, sortedPartition := range partitioned {
		results[part] = e.reducePartition(sortedPartition)
	}
	return results
}

func (e *Engine) reducePartition(sortedPartition []core.KeyValue) []core.KeyValue {
	var results []core.KeyValue

	i := 0
	for i < len(sortedPartition) {
		key := sortedPartition[i].Key
		values := []string{}

		for i < len(sortedPartition) && sortedPartition[i].Key == key {
			values = append(values, sortedPartition[i].Value)
			i++
		}

		results = append(results, e.config.ReduceFunc(key, values))
	}

	return results
}

// Flatten merges partitions into one slice sorted by key.
func Flatten(partitions map[int][]core.KeyValue) []core.KeyValue {
	results := []core.KeyValue{}
	for _, records := range partitions {
		results = append(results, records...)
	}
	slices.SortFunc(results, func(left, right core.KeyValue) int {
		return cmp.Compare(left.Key, right.Key)
	})
	return results
}

func (e *Engine) writeResults(results map[int][]core.KeyValue) error {
	if err := os.MkdirAll(e.config.Output, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for part, records := range results {
		partFilename := fmt.Sprintf("part-%04d.tsv", part)
		outputPath := filepath.Join(e.config.Output, partFilename)

		lines := make([]string, 0, len(records))
		for _, record := range records {
			lines = append(lines, fmt.Sprintf("%s\t%s\n", record.Key, record.Value))
		}

		if err := WriteLines(outputPath, lines); err != nil {
			return err
		}
	}
	return nil
}

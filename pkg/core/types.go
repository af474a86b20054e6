package core

// MapFunc turns one stored (key, value) pair into intermediate pairs.
type MapFunc func(key, value string) []KeyValue

// ReduceFunc folds every intermediate value emitted for a key.
type ReduceFunc func(key string, values []string) KeyValue

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// JobConfig describes a job run in a single process over local files.
type JobConfig struct {
	Input       []string
	Output      string
	NumMappers  int
	NumReducers int
	MapFunc     MapFunc
	ReduceFunc  ReduceFunc
}

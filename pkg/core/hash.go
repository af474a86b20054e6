package core

import "hash/fnv"

// Partition assigns key to one of n reducer partitions by its FNV-1a hash.
func Partition(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

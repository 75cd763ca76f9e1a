package partition

import "hash/fnv"

// For returns the partition in [0, count) for a serialized group key.
// Stable and deterministic: the same key always maps to the same partition,
// so every row of a group lands on the same local operator.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(key []byte, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(count))
}

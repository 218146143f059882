package realtime

import "hash/fnv"

// shardIndex maps a key onto one of n lock shards. Sharding keeps operations
// on different users/conversations from contending on a single lock; two keys
// colliding on a shard only adds serialization, never breaks ordering.
func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

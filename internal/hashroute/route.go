package hashroute

import "hash/fnv"

// PartitionCount is the fixed number of ledger partitions. Storage files,
// raft groups and transport workers are all sharded by it.
const PartitionCount = 25

// PartitionForKey maps a store key to its partition. Keys are hashed exactly
// as given: "SWabc" and "swabc" are distinct profiles.
func PartitionForKey(key string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % PartitionCount)
}

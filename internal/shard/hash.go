package shard

// djb2Hash computes the djb2-style iterative hash h = (h << 5) - h + c
// (that is, h*31 + c) under 32-bit wraparound arithmetic. Persisted shard affinity depends on using
// exactly this hash, not a cryptographic or FNV variant, so that the same
// key routes to the same shard across processes, languages, and restarts.
func djb2Hash(s string) int32 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + int32(s[i])
	}
	return h
}

// shardIndex maps key to [0, shardCount) via djb2Hash. h is widened to
// int64 before negation so that djb2Hash(key) == math.MinInt32 cannot
// overflow back to a negative value.
func shardIndex(key string, shardCount int) int {
	h := int64(djb2Hash(key))
	if h < 0 {
		h = -h
	}
	return int(h % int64(shardCount))
}

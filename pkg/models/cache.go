package models

// CacheStats reports cache performance metrics. Hits and misses are counted
// by the process that owns the cache; the other fields describe storage.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// CacheModelStats is the stored share of one model.
type CacheModelStats struct {
	Model   string `json:"model"`
	Entries int64  `json:"entries"`
	Expired int64  `json:"expired"`
	Bytes   int64  `json:"bytes"`
}

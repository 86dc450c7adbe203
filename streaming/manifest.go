package streaming

// Manifest summarizes a verified streamed payload. It is the only artifact
// downstream saga steps consume; the raw payload is never retained in memory.
type Manifest struct {
	DocumentID    string   `json:"document_id"`
	ChunkKeys     []string `json:"chunk_keys"`
	ChunkHashes   []string `json:"chunk_hashes"`
	ChunkSize     int      `json:"chunk_size"`
	ChunkCount    int      `json:"chunk_count"`
	TotalSize     int64    `json:"total_size"`
	AggregateHash string   `json:"aggregate_hash"`
}

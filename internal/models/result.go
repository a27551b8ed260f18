package models

// RetrievedChunk is one retrieval hit as exposed over the API.
type RetrievedChunk struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Distance float32 `json:"distance"`
	Rank     int     `json:"rank"`
}

// RetrieveResponse is the response for a retrieval request. Results is never nil.
type RetrieveResponse struct {
	Status  string            `json:"status"`
	Query   string            `json:"query"`
	Results []*RetrievedChunk `json:"results"`
	Total   int               `json:"total"`
	TookMs  int64             `json:"took_ms"`
	Error   string            `json:"error,omitempty"`
}

// IngestResponse reports the outcome of an ingest. Reason is set only on failure.
type IngestResponse struct {
	Chunks     int    `json:"chunks"`
	Collection string `json:"collection,omitempty"`
	Folder     string `json:"folder,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	Collections       int64  `json:"collections"`
	Chunks            int64  `json:"chunks"`
	DefaultCollection string `json:"default_collection,omitempty"`
	DefaultChunks     int    `json:"default_chunks"`
	EmbeddingModel    string `json:"embedding_model"`
	Dimensions        int    `json:"dimensions"`
	IndexType         string `json:"index_type"`
	DiskUsageBytes    int64  `json:"disk_usage_bytes"`
}

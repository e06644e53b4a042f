package httpapi

// ChatHTTPRequest is the JSON body for POST /api/chat (spec §6).
type ChatHTTPRequest struct {
	Message     string   `json:"message"`
	MaxTokens   int32    `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	UseCache    *bool    `json:"use_cache,omitempty"`
}

// SecurityInfo mirrors spec §6's response "security" block.
type SecurityInfo struct {
	Validated      bool              `json:"validated"`
	Warnings       []string          `json:"warnings,omitempty"`
	Confidence     float64           `json:"confidence"`
	ASVSCompliance map[string]string `json:"asvs_compliance,omitempty"`
}

// ChatHTTPResponse is the JSON body returned by POST /api/chat on success.
type ChatHTTPResponse struct {
	Response        string       `json:"response"`
	Status          string       `json:"status"`
	TokensGenerated int          `json:"tokens_generated"`
	CacheHit        bool         `json:"cache_hit"`
	Similarity      float32      `json:"similarity,omitempty"`
	Security        SecurityInfo `json:"security"`
}

// BlockedResponse is the HTTP 403 body for a guardrail block.
type BlockedResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Blocked bool   `json:"blocked"`
}

// ErrorResponse is the HTTP 500 body for an internal error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// DocumentUploadResponse is the JSON body for POST /api/documents/upload.
type DocumentUploadResponse struct {
	DocumentID  string `json:"document_id"`
	ChunksAdded int    `json:"chunks_added"`
	Status      string `json:"status"`
}

// ModelInfoResponse is the JSON body for GET /api/model/info.
type ModelInfoResponse struct {
	Loaded       bool           `json:"loaded"`
	Engine       string         `json:"engine"`
	Cache        CacheInfo      `json:"cache"`
	Batcher      BatcherInfo    `json:"batcher"`
	Retrieval    RetrievalInfo  `json:"retrieval"`
}

// CacheInfo summarizes C2's stats for the model-info route.
type CacheInfo struct {
	Entries    int     `json:"entries"`
	Capacity   int     `json:"capacity"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatePct float64 `json:"hit_rate_pct"`
}

// BatcherInfo summarizes C6's stats for the model-info route.
type BatcherInfo struct {
	TotalRequests  int64   `json:"total_requests"`
	TotalBatches   int64   `json:"total_batches"`
	TotalBatchTime float64 `json:"total_batch_time_seconds"`
	QueueSize      int     `json:"queue_size"`
}

// RetrievalInfo summarizes C3's stats for the model-info route.
type RetrievalInfo struct {
	Chunks int `json:"chunks"`
}

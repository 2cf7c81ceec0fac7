package worker

// IngestTaskPayload is the NSQ message body for a PDF ingestion job. Data
// carries the raw PDF bytes, base64-encoded by encoding/json, so a retry
// never depends on the blob store being reachable from the worker.
type IngestTaskPayload struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	Filename   string `json:"filename"`
	Data       []byte `json:"data"`

	CorrelationID string `json:"correlation_id"`
}

// IngestLockKey is the Redis key guarding against duplicate in-flight
// ingestion of the same document.
func IngestLockKey(documentID string) string {
	return "ingest:lock:" + documentID
}

package job

import (
	"encoding/json"
	"time"
)

// Job is a dead-lettered ingestion task: the consumer exhausted its
// attempts and parked the payload here for manual retry.
type Job struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Handler    string          `json:"handler"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

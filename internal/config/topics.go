package config

const (
	// TopicIngest is the NSQ topic for PDF ingestion jobs.
	TopicIngest = "ingest.task"

	// ChannelIngest is the consumer channel for the ingestion worker pool.
	ChannelIngest = "worker"
)

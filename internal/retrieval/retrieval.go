package retrieval

// Match is one retrieved chunk with its similarity score, where score is
// 1 - cosine distance, so higher is closer.
type Match struct {
	Content    string
	PageNumber int
	ChunkIndex int
	Score      float32
}

package datatypes

// Fragment is a single retrieved chunk of document content together
// with the metadata the security gate and prompt builder need.
type Fragment struct {
	Content         string  `json:"content"`
	Source          string  `json:"source"`
	DocumentID      string  `json:"document_id"`
	ChunkIndex      int     `json:"chunk_index"`
	Confidentiality string  `json:"confidentiality"`
	Department      string  `json:"department"`
	Client          string  `json:"client"`
	Distance        float64 `json:"distance"`
}

// Message is a single turn of chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SourceInfo describes one retrieved fragment behind an answer. The
// list is not deduplicated; a document contributing several fragments
// appears once per fragment.
type SourceInfo struct {
	DocumentID      string  `json:"document_id"`
	Source          string  `json:"source"`
	ChunkIndex      int     `json:"chunk_index"`
	Content         string  `json:"content,omitempty"`
	Confidentiality string  `json:"confidentiality,omitempty"`
	Distance        float64 `json:"distance,omitempty"`
}

// EmbeddingRequest is the payload sent to the embedding service for a
// single text.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResponse is the embedding service's reply for a single text.
type EmbeddingResponse struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

// BatchEmbeddingRequest embeds several texts in one round trip.
type BatchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

// BatchEmbeddingResponse carries one vector per input text, in input
// order.
type BatchEmbeddingResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

package models

import "time"

type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusExtracting DocumentStatus = "extracting"
	StatusChunking   DocumentStatus = "chunking"
	StatusEmbedding  DocumentStatus = "embedding"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// statusRank orders the forward-only lifecycle. StatusFailed is reachable
// from any non-terminal state and is itself terminal.
var statusRank = map[DocumentStatus]int{
	StatusUploading:  0,
	StatusExtracting: 1,
	StatusChunking:   2,
	StatusEmbedding:  3,
	StatusReady:      4,
}

// CanTransition reports whether a document may move between the two statuses.
func CanTransition(from, to DocumentStatus) bool {
	if from == StatusFailed || from == StatusReady {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

type Document struct {
	ID          string
	Filename    string
	MimeType    string
	ByteSize    int64
	Status      DocumentStatus
	Error       string
	ChunkCount  int
	Fingerprint string
	CreatedAt   time.Time
}

type Chunk struct {
	ID            string
	DocID         string
	ChunkIndex    int
	Text          string
	Vector        []float32
	TokenEstimate int
	CreatedAt     time.Time
}

type ProviderKind string

const (
	KindEmbedding  ProviderKind = "embedding"
	KindGeneration ProviderKind = "generation"
)

type ProviderDescriptor struct {
	Name      string       `json:"name"`
	Kind      ProviderKind `json:"kind"`
	Priority  int          `json:"priority"`
	Available bool         `json:"available"`
}

type Citation struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Score   float32 `json:"score"`
}

type Answer struct {
	Question     string     `json:"question"`
	DocumentIDs  []string   `json:"document_ids"`
	Answer       string     `json:"answer"`
	Citations    []Citation `json:"citations"`
	ProviderUsed string     `json:"provider_used"`
	LatencyMS    int        `json:"latency_ms"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Summary struct {
	Summary        string `json:"summary"`
	OriginalLength int    `json:"original_length"`
	SummaryLength  int    `json:"summary_length"`
	ProviderUsed   string `json:"provider_used"`
	LatencyMS      int    `json:"latency_ms"`
}

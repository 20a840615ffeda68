package domain

// Message is a single persisted session turn.
type Message struct {
	PK        string
	SK        string
	SessionID string
	Query     string
	Answer    string
	Status    string
	TTL       int64
}

// SessionMeta stores aggregate session state.
type SessionMeta struct {
	PK           string
	SK           string
	SessionID    string
	LastActivity string
	TTL          int64
}

// Chunk is a slice of pushed page content kept for retrieval.
type Chunk struct {
	SessionID string
	Title     string
	Source    string
	Text      string
	Embedding []float32
}

package domain

// Origin tells who produced a transcript entry.
type Origin string

const (
	OriginUser Origin = "user"
	OriginBot  Origin = "bot"
)

// ChatMessage is one visible transcript entry. Entries are appended and never
// mutated.
type ChatMessage struct {
	Text   string `json:"text"`
	Origin Origin `json:"origin"`
}

package domain

// PromptMessage is the provider-agnostic message shape sent to the model.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

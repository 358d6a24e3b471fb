package models

// Role tags who authored a message. Values outside the constants below are
// stored as-is.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation. It is never modified after it has
// been appended.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

package models

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role may appear in a stored transcript.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn captures one message of a conversation transcript.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Citation is the provenance of one retrieved passage used in an answer.
type Citation struct {
	Filename   string   `json:"filename"`
	Page       int      `json:"page"`
	Similarity float64  `json:"similarity"`
	Tags       []string `json:"tags,omitempty"`
}

package embedapi

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

type AgentType string

const (
	AgentTypeChatbot      AgentType = "CHATBOT"
	AgentTypeAutomation   AgentType = "AUTOMATION"
	AgentTypeDataAnalysis AgentType = "DATA_ANALYSIS"
	AgentTypeOther        AgentType = "OTHER"
)

// Upload is a file attached to an agent, such as its logo.
type Upload struct {
	ID        string `json:"id"`
	Size      int64  `json:"size"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Mimetype  string `json:"mimetype"`
	PublicKey string `json:"publicKey"`
	PublicURL string `json:"publicUrl"`
}

type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Type       AgentType `json:"type,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Visibility string    `json:"visibility,omitempty"`
	Logo       *Upload   `json:"logo,omitempty"`
	OwnerID    string    `json:"ownerId"`
	OwnerType  string    `json:"ownerType"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DisplayName falls back to a generic label for unnamed agents.
func (a *Agent) DisplayName() string {
	if a == nil || a.Name == "" {
		return "AI Assistant"
	}
	return a.Name
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	AgentID   string     `json:"agentId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Messages  []Message  `json:"messages,omitempty"`
}

package store

import (
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks the delivery state of a message.
// Sending messages are placeholders awaiting a job result; sent, error and
// cancelled are terminal.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// AnonymousOwner is the owner id assigned to conversations created while no
// identity is signed in.
const AnonymousOwner = "anonymous"

// PlaceholderContent is the sentinel body of an assistant message whose job
// has not resolved yet.
const PlaceholderContent = "..."

// JobMeta records the backend job backing an assistant message.
type JobMeta struct {
	JobID     string        `json:"job_id"`
	Cancelled bool          `json:"cancelled,omitempty"`
	PollCount int           `json:"poll_count,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// SourceRef points at a document fragment the backend cited.
type SourceRef struct {
	Filename string `json:"filename"`
	Page     int    `json:"page,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// MessageMeta carries the known metadata shapes a message can have.
type MessageMeta struct {
	Job     *JobMeta    `json:"job,omitempty"`
	Sources []SourceRef `json:"sources,omitempty"`
}

// Message is a single entry in a conversation history.
type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Status    Status       `json:"status,omitempty"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

// Conversation holds an ordered message history owned by one identity.
// Messages keep insertion order; UpdatedAt is bumped on every mutation of the
// conversation or its messages and never moves backwards.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"owner_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingJob ties an in-flight backend job to the placeholder message it will
// eventually resolve. It exists only while a poll loop is running.
type PendingJob struct {
	JobID          string    `json:"job_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Query          string    `json:"query"`
	StartedAt      time.Time `json:"started_at"`
	PollCount      int       `json:"poll_count"`
}

// Settings are user preferences with a lifecycle independent of auth.
type Settings struct {
	OwnerIDHint     string `json:"owner_id_hint,omitempty"`
	Theme           string `json:"theme"`
	PollIntervalMs  int    `json:"poll_interval_ms"`
	MaxPollAttempts int    `json:"max_poll_attempts"`
	AutoScroll      bool   `json:"auto_scroll"`
	SoundEnabled    bool   `json:"sound_enabled"`
}

// DefaultSettings returns the settings applied before any user adjustment.
func DefaultSettings() Settings {
	return Settings{
		Theme:           "dark",
		PollIntervalMs:  500,
		MaxPollAttempts: 240,
		AutoScroll:      true,
		SoundEnabled:    false,
	}
}

// Snapshot is the serializable shape of the chat record, matching the durable
// storage layout.
type Snapshot struct {
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID string         `json:"activeConversationId,omitempty"`
	Settings             Settings       `json:"settings"`
	SidebarOpen          bool           `json:"sidebarOpen"`
}

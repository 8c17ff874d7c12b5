// Package model defines domain entities shared by the cache engine, the local store and the remote API.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the author of a message.
type Role string

// Closed set of message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts a wire string to Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// tempPrefix marks identifiers generated on the client before the remote assigned one.
const tempPrefix = "local-"

// NewTempID returns a fresh client-side temporary identifier.
func NewTempID() string {
	return tempPrefix + uuid.Must(uuid.NewV4()).String()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempPrefix) }

// CacheMeta is bookkeeping attached to every cached record.
type CacheMeta struct {
	CachedAt time.Time `json:"cached_at"`
	Version  int64     `json:"version"` // monotonically increasing local version (>= 1)
	Pending  bool      `json:"pending"` // written locally, not yet pushed to the remote
	// RemoteLen is how many bytes of message content the remote holds.
	RemoteLen int `json:"remote_len,omitempty"`
}

// Thread is a conversation container owned by a user.
type Thread struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CacheMeta
}

// Message is one role-tagged content unit within a thread.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"is_streaming"`
	TokenCount  *int      `json:"token_count,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CacheMeta
}

// CacheMetadata records when a sync scope was last reconciled with the remote.
type CacheMetadata struct {
	Key      string    `json:"key"`
	UserID   string    `json:"user_id"`
	LastSync time.Time `json:"last_sync"`
	Version  int64     `json:"version"`
}

// ThreadsScope is the metadata key for the thread list of a user.
func ThreadsScope(userID string) string { return "threads_" + userID }

// MessagesScope is the metadata key for the messages of a thread.
func MessagesScope(threadID string) string { return "messages_" + threadID }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// NewMessage is the payload for creating a message on the remote store.
type NewMessage struct {
	ThreadID    string
	OwnerID     string
	Role        Role
	Content     string
	Model       string
	IsStreaming bool
	TokenCount  *int
}

// Package remote is the client side of the authoritative chat store.
package remote

import (
	"context"

	"github.com/and161185/chatcache/internal/model"
)

// NewMessage is the payload of Client.CreateMessage.
type NewMessage = model.NewMessage

// Client is the contract the cache engine relies on. Every call may fail with
// errs.ErrRemoteUnavailable, errs.ErrRemoteRejected, errs.ErrUnauthorized or errs.ErrNotFound.
type Client interface {
	// CreateThread creates a thread owned by ownerID and returns its id.
	CreateThread(ctx context.Context, ownerID, title string) (string, error)
	// DeleteThread deletes a thread the caller owns.
	DeleteThread(ctx context.Context, threadID string) error
	// ListThreadsForUser returns every thread of userID.
	ListThreadsForUser(ctx context.Context, userID string) ([]model.Thread, error)
	// CreateMessage creates a message and returns its id.
	CreateMessage(ctx context.Context, msg NewMessage) (string, error)
	// AppendMessageChunk appends chunk to the content of a message.
	AppendMessageChunk(ctx context.Context, messageID, chunk string) error
	// FinalizeMessage marks a message as no longer streaming.
	FinalizeMessage(ctx context.Context, messageID string, tokenCount *int) error
	// ListMessagesForThread returns every message of threadID.
	ListMessagesForThread(ctx context.Context, threadID string) ([]model.Message, error)
}

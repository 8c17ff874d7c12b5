// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatcache/internal/model"
)

// ThreadRepository stores conversation threads. Every call is scoped to the owner.
type ThreadRepository interface {
	// Insert creates a thread with the given id.
	Insert(ctx context.Context, id, userID uuid.UUID, title string) error
	// Delete removes a thread and, by cascade, its messages. Returns errs.ErrNotFound
	// if the thread is missing or owned by someone else.
	Delete(ctx context.Context, userID, id uuid.UUID) error
	// ListByUser returns the threads of userID, most recently updated first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Thread, error)
}

// MessageRepository stores messages. Every call is scoped to the owner.
type MessageRepository interface {
	// Insert adds a message to a thread of userID and touches the thread.
	// Returns errs.ErrNotFound if the thread is missing and errs.ErrUnauthorized
	// if it belongs to another user.
	Insert(ctx context.Context, id, userID, threadID uuid.UUID, nm model.NewMessage) error
	// AppendChunk appends text to the content of a message.
	AppendChunk(ctx context.Context, userID, id uuid.UUID, chunk string) error
	// Finalize clears the streaming flag and records the token count.
	Finalize(ctx context.Context, userID, id uuid.UUID, tokenCount *int) error
	// ListByThread returns the messages of a thread in creation order.
	ListByThread(ctx context.Context, userID, threadID uuid.UUID) ([]model.Message, error)
}

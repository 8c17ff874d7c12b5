// Package service validates ChatSync requests and delegates them to the repositories.
package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
	"github.com/and161185/chatcache/internal/repository"
)

// ChatService is the remote store behind the ChatSync API. Every operation acts
// on behalf of an authenticated user and only sees that user's records.
type ChatService interface {
	// CreateThread creates a thread and returns its id.
	CreateThread(ctx context.Context, userID uuid.UUID, title string) (uuid.UUID, error)
	// DeleteThread removes a thread with its messages.
	DeleteThread(ctx context.Context, userID, threadID uuid.UUID) error
	// ListThreads returns the user's threads, newest activity first.
	ListThreads(ctx context.Context, userID uuid.UUID) ([]model.Thread, error)
	// CreateMessage adds a message to one of the user's threads and returns its id.
	CreateMessage(ctx context.Context, userID uuid.UUID, nm model.NewMessage) (uuid.UUID, error)
	// AppendChunk appends streamed text to a message.
	AppendChunk(ctx context.Context, userID, messageID uuid.UUID, chunk string) error
	// FinalizeMessage marks a message complete.
	FinalizeMessage(ctx context.Context, userID, messageID uuid.UUID, tokenCount *int) error
	// ListMessages returns the messages of a thread in creation order.
	ListMessages(ctx context.Context, userID, threadID uuid.UUID) ([]model.Message, error)
}

type ChatServiceImpl struct {
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	newID    func() (uuid.UUID, error)
}

// NewChatService constructs ChatService over the given repositories.
func NewChatService(threads repository.ThreadRepository, messages repository.MessageRepository) *ChatServiceImpl {
	return &ChatServiceImpl{threads: threads, messages: messages, newID: uuid.NewV4}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("validation: %s: %w", fmt.Sprintf(format, args...), errs.ErrInvalidArgument)
}

// CreateThread assigns a fresh id and stores the thread.
func (s *ChatServiceImpl) CreateThread(ctx context.Context, userID uuid.UUID, title string) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, invalid("empty userID")
	}
	id, err := s.newID()
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.threads.Insert(ctx, id, userID, title); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// DeleteThread fails with errs.ErrNotFound when the thread is missing or foreign.
func (s *ChatServiceImpl) DeleteThread(ctx context.Context, userID, threadID uuid.UUID) error {
	if userID == uuid.Nil || threadID == uuid.Nil {
		return invalid("empty userID/threadID")
	}
	return s.threads.Delete(ctx, userID, threadID)
}

// ListThreads delegates to the thread repository.
func (s *ChatServiceImpl) ListThreads(ctx context.Context, userID uuid.UUID) ([]model.Thread, error) {
	if userID == uuid.Nil {
		return nil, invalid("empty userID")
	}
	return s.threads.ListByUser(ctx, userID)
}

// CreateMessage validates the payload. The owner, when given, must be the caller.
// Validation rules:
// - thread id is a uuid
// - role is user, assistant or system
// - token count is not negative
func (s *ChatServiceImpl) CreateMessage(ctx context.Context, userID uuid.UUID, nm model.NewMessage) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, invalid("empty userID")
	}
	threadID, err := uuid.FromString(nm.ThreadID)
	if err != nil || threadID == uuid.Nil {
		return uuid.Nil, invalid("bad thread id %q", nm.ThreadID)
	}
	if nm.OwnerID != "" && nm.OwnerID != userID.String() {
		return uuid.Nil, fmt.Errorf("owner %s is not the caller: %w", nm.OwnerID, errs.ErrUnauthorized)
	}
	if !nm.Role.Valid() {
		return uuid.Nil, invalid("unknown role %q", nm.Role)
	}
	if nm.TokenCount != nil && *nm.TokenCount < 0 {
		return uuid.Nil, invalid("negative token count")
	}
	nm.OwnerID = userID.String()

	id, err := s.newID()
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.messages.Insert(ctx, id, userID, threadID, nm); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendChunk delegates to the message repository.
func (s *ChatServiceImpl) AppendChunk(ctx context.Context, userID, messageID uuid.UUID, chunk string) error {
	if userID == uuid.Nil || messageID == uuid.Nil {
		return invalid("empty userID/messageID")
	}
	if chunk == "" {
		return nil
	}
	return s.messages.AppendChunk(ctx, userID, messageID, chunk)
}

// FinalizeMessage delegates to the message repository.
func (s *ChatServiceImpl) FinalizeMessage(ctx context.Context, userID, messageID uuid.UUID, tokenCount *int) error {
	if userID == uuid.Nil || messageID == uuid.Nil {
		return invalid("empty userID/messageID")
	}
	if tokenCount != nil && *tokenCount < 0 {
		return invalid("negative token count")
	}
	return s.messages.Finalize(ctx, userID, messageID, tokenCount)
}

// ListMessages delegates to the message repository.
func (s *ChatServiceImpl) ListMessages(ctx context.Context, userID, threadID uuid.UUID) ([]model.Message, error) {
	if userID == uuid.Nil || threadID == uuid.Nil {
		return nil, invalid("empty userID/threadID")
	}
	return s.messages.ListByThread(ctx, userID, threadID)
}

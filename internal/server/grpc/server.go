// Package grpcserver exposes the ChatSync gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatcache/internal/api"
	"github.com/and161185/chatcache/internal/auth"
	"github.com/and161185/chatcache/internal/convert"
	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/service"
)

// Server wires the chat service into gRPC handlers.
type Server struct {
	api.UnimplementedChatSyncServer
	chat service.ChatService
}

var _ api.ChatSyncServer = (*Server)(nil)

// New constructs a gRPC server with the injected service.
func New(chat service.ChatService) *Server {
	return &Server{chat: chat}
}

// --- Threads ---

// CreateThread creates a thread for the caller and returns its id.
func (s *Server) CreateThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := s.chat.CreateThread(ctx, userID, convert.String(req, convert.FieldTitle))
	if err != nil {
		return nil, toStatus("create thread", err)
	}
	return idReply(id), nil
}

// DeleteThread removes a thread of the caller.
func (s *Server) DeleteThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := uuidField(req, convert.FieldID)
	if err != nil {
		return nil, err
	}
	if err := s.chat.DeleteThread(ctx, userID, id); err != nil {
		return nil, toStatus("delete thread", err)
	}
	return convert.Empty(), nil
}

// ListThreadsForUser returns the caller's threads.
func (s *Server) ListThreadsForUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	ts, err := s.chat.ListThreads(ctx, userID)
	if err != nil {
		return nil, toStatus("list threads", err)
	}
	return convert.ThreadsToStruct(ts), nil
}

// --- Messages ---

// CreateMessage stores a message and returns its id.
func (s *Server) CreateMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	nm, err := convert.NewMessageFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad message: %v", err)
	}
	id, err := s.chat.CreateMessage(ctx, userID, nm)
	if err != nil {
		return nil, toStatus("create message", err)
	}
	return idReply(id), nil
}

// AppendMessageChunk appends streamed text to a message.
func (s *Server) AppendMessageChunk(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	id, err := uuidField(req, convert.FieldID)
	if err != nil {
		return nil, err
	}
	if err := s.chat.AppendChunk(ctx, userID, id, convert.String(req, convert.FieldChunk)); err != nil {
		return nil, toStatus("append chunk", err)
	}
	return convert.Empty(), nil
}

// FinalizeMessage marks a message complete.
func (s *Server) FinalizeMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	id, err := uuidField(req, convert.FieldID)
	if err != nil {
		return nil, err
	}
	tokens, err := convert.Int(req, convert.FieldTokenCount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad token_count: %v", err)
	}
	if err := s.chat.FinalizeMessage(ctx, userID, id, tokens); err != nil {
		return nil, toStatus("finalize message", err)
	}
	return convert.Empty(), nil
}

// ListMessagesForThread returns the messages of one of the caller's threads.
func (s *Server) ListMessagesForThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	threadID, err := uuidField(req, convert.FieldThreadID)
	if err != nil {
		return nil, err
	}
	ms, err := s.chat.ListMessages(ctx, userID, threadID)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return convert.MessagesToStruct(ms), nil
}

// caller returns the authenticated user. When req names a user_id it must be the caller.
func (s *Server) caller(ctx context.Context, req *structpb.Struct) (uuid.UUID, error) {
	userID, ok := auth.UserIDFromCtx(ctx)
	if !ok {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if req != nil {
		if named := convert.String(req, convert.FieldUserID); named != "" && named != userID.String() {
			return uuid.Nil, status.Error(codes.PermissionDenied, "user_id is not the caller")
		}
	}
	return userID, nil
}

func uuidField(req *structpb.Struct, key string) (uuid.UUID, error) {
	raw, err := convert.RequireString(req, key)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "bad %s", key)
	}
	return id, nil
}

func idReply(id uuid.UUID) *structpb.Struct {
	return convert.Obj(map[string]*structpb.Value{convert.FieldID: convert.Str(id.String())})
}

// toStatus maps service errors to gRPC status codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

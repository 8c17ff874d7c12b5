// Package api describes the ChatSync gRPC service.
//
// Payloads are google.protobuf.Struct values so the service needs no generated
// code; internal/convert maps them to and from domain types.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// Full method names.
const (
	MethodCreateThread          = "/" + ServiceName + "/CreateThread"
	MethodDeleteThread          = "/" + ServiceName + "/DeleteThread"
	MethodListThreadsForUser    = "/" + ServiceName + "/ListThreadsForUser"
	MethodCreateMessage         = "/" + ServiceName + "/CreateMessage"
	MethodAppendMessageChunk    = "/" + ServiceName + "/AppendMessageChunk"
	MethodFinalizeMessage       = "/" + ServiceName + "/FinalizeMessage"
	MethodListMessagesForThread = "/" + ServiceName + "/ListMessagesForThread"
)

// ChatSyncServer is the server API for the ChatSync service.
type ChatSyncServer interface {
	CreateThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListThreadsForUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AppendMessageChunk(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FinalizeMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessagesForThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedChatSyncServer answers every method with codes.Unimplemented.
type UnimplementedChatSyncServer struct{}

func unimplemented(name string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", name)
}

func (UnimplementedChatSyncServer) CreateThread(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("CreateThread")
}
func (UnimplementedChatSyncServer) DeleteThread(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("DeleteThread")
}
func (UnimplementedChatSyncServer) ListThreadsForUser(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("ListThreadsForUser")
}
func (UnimplementedChatSyncServer) CreateMessage(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("CreateMessage")
}
func (UnimplementedChatSyncServer) AppendMessageChunk(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("AppendMessageChunk")
}
func (UnimplementedChatSyncServer) FinalizeMessage(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("FinalizeMessage")
}
func (UnimplementedChatSyncServer) ListMessagesForThread(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented("ListMessagesForThread")
}

type unaryCall func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(call unaryCall, fullMethod string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChatSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, h)
	}
}

// ServiceDesc is the grpc.ServiceDesc for ChatSync.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateThread", Handler: handler(ChatSyncServer.CreateThread, MethodCreateThread)},
		{MethodName: "DeleteThread", Handler: handler(ChatSyncServer.DeleteThread, MethodDeleteThread)},
		{MethodName: "ListThreadsForUser", Handler: handler(ChatSyncServer.ListThreadsForUser, MethodListThreadsForUser)},
		{MethodName: "CreateMessage", Handler: handler(ChatSyncServer.CreateMessage, MethodCreateMessage)},
		{MethodName: "AppendMessageChunk", Handler: handler(ChatSyncServer.AppendMessageChunk, MethodAppendMessageChunk)},
		{MethodName: "FinalizeMessage", Handler: handler(ChatSyncServer.FinalizeMessage, MethodFinalizeMessage)},
		{MethodName: "ListMessagesForThread", Handler: handler(ChatSyncServer.ListMessagesForThread, MethodListMessagesForThread)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatsync/v1/chatsync",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ChatSyncClient is the client stub for ChatSync.
type ChatSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewChatSyncClient wraps cc.
func NewChatSyncClient(cc grpc.ClientConnInterface) *ChatSyncClient {
	return &ChatSyncClient{cc: cc}
}

// Invoke calls one unary ChatSync method.
func (c *ChatSyncClient) Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

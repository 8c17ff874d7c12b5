package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatcache/internal/api"
	"github.com/and161185/chatcache/internal/convert"
	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
)

var _ Client = (*GRPCClient)(nil)

// DialConfig describes how to reach the ChatSync server.
type DialConfig struct {
	Addr               string
	CACert             string // PEM file; empty uses system roots
	InsecureSkipVerify bool
	Plaintext          bool // no TLS at all, for local development
	Token              string
	CallTimeout        time.Duration
}

// GRPCClient implements Client over the ChatSync gRPC service.
type GRPCClient struct {
	cc      *grpc.ClientConn
	stub    *api.ChatSyncClient
	timeout time.Duration
	log     *zap.Logger
}

type bearerCreds struct {
	token      string
	requireTLS bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.requireTLS }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// Dial creates a client for cfg.Addr. Extra options are appended after the
// ones derived from cfg.
func Dial(cfg DialConfig, log *zap.Logger, extra ...grpc.DialOption) (*GRPCClient, error) {
	var creds credentials.TransportCredentials
	if cfg.Plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(cfg.CACert, cfg.InsecureSkipVerify); err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: cfg.Token, requireTLS: !cfg.Plaintext}))
	}
	opts = append(opts, extra...)

	cc, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCClient{cc: cc, stub: api.NewChatSyncClient(cc), timeout: cfg.CallTimeout, log: log}, nil
}

// Close releases the connection.
func (c *GRPCClient) Close() error { return c.cc.Close() }

func (c *GRPCClient) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.stub.Invoke(ctx, method, in)
	if err != nil {
		c.log.Debug("remote call failed", zap.String("method", method), zap.Error(err))
		return nil, mapStatus(method, err)
	}
	return out, nil
}

// CreateThread implements Client.
func (c *GRPCClient) CreateThread(ctx context.Context, ownerID, title string) (string, error) {
	out, err := c.call(ctx, api.MethodCreateThread, convert.Obj(map[string]*structpb.Value{
		convert.FieldUserID: convert.Str(ownerID),
		convert.FieldTitle:  convert.Str(title),
	}))
	if err != nil {
		return "", err
	}
	return idFrom(out)
}

// DeleteThread implements Client.
func (c *GRPCClient) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.call(ctx, api.MethodDeleteThread, convert.Obj(map[string]*structpb.Value{
		convert.FieldID: convert.Str(threadID),
	}))
	return err
}

// ListThreadsForUser implements Client.
func (c *GRPCClient) ListThreadsForUser(ctx context.Context, userID string) ([]model.Thread, error) {
	out, err := c.call(ctx, api.MethodListThreadsForUser, convert.Obj(map[string]*structpb.Value{
		convert.FieldUserID: convert.Str(userID),
	}))
	if err != nil {
		return nil, err
	}
	ts, err := convert.ThreadsFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrRemoteRejected, err)
	}
	return ts, nil
}

// CreateMessage implements Client.
func (c *GRPCClient) CreateMessage(ctx context.Context, msg NewMessage) (string, error) {
	out, err := c.call(ctx, api.MethodCreateMessage, convert.NewMessageToStruct(msg))
	if err != nil {
		return "", err
	}
	return idFrom(out)
}

// AppendMessageChunk implements Client.
func (c *GRPCClient) AppendMessageChunk(ctx context.Context, messageID, chunk string) error {
	_, err := c.call(ctx, api.MethodAppendMessageChunk, convert.Obj(map[string]*structpb.Value{
		convert.FieldID:    convert.Str(messageID),
		convert.FieldChunk: convert.Str(chunk),
	}))
	return err
}

// FinalizeMessage implements Client.
func (c *GRPCClient) FinalizeMessage(ctx context.Context, messageID string, tokenCount *int) error {
	_, err := c.call(ctx, api.MethodFinalizeMessage, convert.Obj(map[string]*structpb.Value{
		convert.FieldID:         convert.Str(messageID),
		convert.FieldTokenCount: convert.OptInt(tokenCount),
	}))
	return err
}

// ListMessagesForThread implements Client.
func (c *GRPCClient) ListMessagesForThread(ctx context.Context, threadID string) ([]model.Message, error) {
	out, err := c.call(ctx, api.MethodListMessagesForThread, convert.Obj(map[string]*structpb.Value{
		convert.FieldThreadID: convert.Str(threadID),
	}))
	if err != nil {
		return nil, err
	}
	ms, err := convert.MessagesFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrRemoteRejected, err)
	}
	return ms, nil
}

func idFrom(out *structpb.Struct) (string, error) {
	id, err := convert.RequireString(out, convert.FieldID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrRemoteRejected, err)
	}
	return id, nil
}

// mapStatus turns a gRPC status into the errs taxonomy.
func mapStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w: %v", method, errs.ErrRemoteUnavailable, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = errs.ErrNotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		sentinel = errs.ErrRemoteUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		sentinel = errs.ErrUnauthorized
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w: %w: %s", method, errs.ErrRemoteRejected, errs.ErrInvalidArgument, st.Message())
	default:
		sentinel = errs.ErrRemoteRejected
	}
	return fmt.Errorf("%s: %w: %s", method, sentinel, st.Message())
}

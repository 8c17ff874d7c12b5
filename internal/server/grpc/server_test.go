package grpcserver

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatcache/internal/api"
	"github.com/and161185/chatcache/internal/auth"
	"github.com/and161185/chatcache/internal/convert"
	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
	"github.com/and161185/chatcache/internal/remote"
	"github.com/and161185/chatcache/internal/repository"
	"github.com/and161185/chatcache/internal/service"
)

// memRepo is an in-memory thread repository; memMessages shares its state.
type memRepo struct {
	mu       sync.Mutex
	clock    time.Time
	threads  map[uuid.UUID]model.Thread
	messages map[uuid.UUID]model.Message
}

var (
	_ repository.ThreadRepository  = (*memRepo)(nil)
	_ repository.MessageRepository = memMessages{}
)

func newMemRepo() *memRepo {
	return &memRepo{
		clock:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		threads:  make(map[uuid.UUID]model.Thread),
		messages: make(map[uuid.UUID]model.Message),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) Insert(_ context.Context, id, userID uuid.UUID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	r.threads[id] = model.Thread{ID: id.String(), UserID: userID.String(), Title: title, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (r *memRepo) Delete(_ context.Context, userID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if !ok || t.UserID != userID.String() {
		return errs.ErrNotFound
	}
	delete(r.threads, id)
	for mid, m := range r.messages {
		if m.ThreadID == id.String() {
			delete(r.messages, mid)
		}
	}
	return nil
}

func (r *memRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Thread{}
	for _, t := range r.threads {
		if t.UserID == userID.String() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

type memMessages struct{ *memRepo }

func (r memMessages) Insert(_ context.Context, id, userID, threadID uuid.UUID, nm model.NewMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[threadID]
	if !ok {
		return errs.ErrNotFound
	}
	if t.UserID != userID.String() {
		return errs.ErrUnauthorized
	}
	now := r.tick()
	r.messages[id] = model.Message{
		ID: id.String(), ThreadID: threadID.String(), UserID: userID.String(), Role: nm.Role,
		Content: nm.Content, Model: nm.Model, IsStreaming: nm.IsStreaming, TokenCount: nm.TokenCount,
		CreatedAt: now, UpdatedAt: now,
	}
	t.UpdatedAt = now
	r.threads[threadID] = t
	return nil
}

func (r memMessages) update(userID, id uuid.UUID, fn func(*model.Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.UserID != userID.String() {
		return errs.ErrNotFound
	}
	fn(&m)
	r.messages[id] = m
	return nil
}

func (r memMessages) AppendChunk(_ context.Context, userID, id uuid.UUID, chunk string) error {
	return r.update(userID, id, func(m *model.Message) { m.Content += chunk })
}

func (r memMessages) Finalize(_ context.Context, userID, id uuid.UUID, tokenCount *int) error {
	return r.update(userID, id, func(m *model.Message) {
		m.IsStreaming = false
		m.TokenCount = tokenCount
	})
}

func (r memMessages) ListByThread(_ context.Context, userID, threadID uuid.UUID) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Message{}
	for _, m := range r.messages {
		if m.ThreadID == threadID.String() && m.UserID == userID.String() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

const bufSize = 1 << 20

type env struct {
	lis    *bufconn.Listener
	signer *auth.Signer
}

func startServer(t *testing.T) *env {
	t.Helper()
	repo := newMemRepo()
	signer := auth.NewSigner([]byte("test-secret"), time.Hour)
	log := zaptest.NewLogger(t)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		AuthUnary(signer),
		LoggingUnary(log),
	))
	api.RegisterChatSyncServer(gs, New(service.NewChatService(repo, memMessages{repo})))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return &env{lis: lis, signer: signer}
}

func (e *env) client(t *testing.T, token string) *remote.GRPCClient {
	t.Helper()
	c, err := remote.Dial(remote.DialConfig{Addr: "passthrough:///bufnet", Plaintext: true, Token: token}, zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *env) userClient(t *testing.T) (*remote.GRPCClient, string) {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	tok, _, err := e.signer.Issue(id)
	require.NoError(t, err)
	return e.client(t, tok), id.String()
}

func TestServer_E2E_ThreadAndStreamingMessage(t *testing.T) {
	t.Parallel()
	e := startServer(t)
	c, user := e.userClient(t)
	ctx := context.Background()

	threadID, err := c.CreateThread(ctx, user, "Hello")
	require.NoError(t, err)

	_, err = c.CreateMessage(ctx, remote.NewMessage{ThreadID: threadID, OwnerID: user, Role: model.RoleUser, Content: "hi", TokenCount: model.IntPtr(1)})
	require.NoError(t, err)
	reply, err := c.CreateMessage(ctx, remote.NewMessage{ThreadID: threadID, OwnerID: user, Role: model.RoleAssistant, Model: "m-1", IsStreaming: true})
	require.NoError(t, err)
	require.NoError(t, c.AppendMessageChunk(ctx, reply, "par"))
	require.NoError(t, c.AppendMessageChunk(ctx, reply, "tial"))
	require.NoError(t, c.FinalizeMessage(ctx, reply, model.IntPtr(5)))

	msgs, err := c.ListMessagesForThread(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, reply, msgs[1].ID)
	require.Equal(t, "partial", msgs[1].Content)
	require.False(t, msgs[1].IsStreaming)
	require.Equal(t, 5, *msgs[1].TokenCount)

	threads, err := c.ListThreadsForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, "Hello", threads[0].Title)
	require.True(t, threads[0].UpdatedAt.After(threads[0].CreatedAt))

	require.NoError(t, c.DeleteThread(ctx, threadID))
	require.ErrorIs(t, c.DeleteThread(ctx, threadID), errs.ErrNotFound)
	msgs, err = c.ListMessagesForThread(ctx, threadID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestServer_E2E_UsersAreIsolated(t *testing.T) {
	t.Parallel()
	e := startServer(t)
	alice, aliceID := e.userClient(t)
	bob, bobID := e.userClient(t)
	ctx := context.Background()

	threadID, err := alice.CreateThread(ctx, aliceID, "private")
	require.NoError(t, err)

	_, err = bob.ListThreadsForUser(ctx, aliceID)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = bob.CreateMessage(ctx, remote.NewMessage{ThreadID: threadID, OwnerID: bobID, Role: model.RoleUser})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.ErrorIs(t, bob.DeleteThread(ctx, threadID), errs.ErrNotFound)

	threads, err := bob.ListThreadsForUser(ctx, bobID)
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestServer_E2E_Errors(t *testing.T) {
	t.Parallel()
	e := startServer(t)
	ctx := context.Background()

	anon := e.client(t, "")
	_, err := anon.ListThreadsForUser(ctx, uuid.Must(uuid.NewV4()).String())
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	forged := e.client(t, "not-a-jwt")
	_, err = forged.CreateThread(ctx, "", "x")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	c, user := e.userClient(t)
	require.ErrorIs(t, c.DeleteThread(ctx, "local-123"), errs.ErrInvalidArgument)
	_, err = c.CreateMessage(ctx, remote.NewMessage{ThreadID: uuid.Must(uuid.NewV4()).String(), OwnerID: user, Role: model.RoleUser})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, c.FinalizeMessage(ctx, uuid.Must(uuid.NewV4()).String(), nil), errs.ErrNotFound)
}

func TestServer_NoAuthContext(t *testing.T) {
	t.Parallel()
	s := New(service.NewChatService(newMemRepo(), memMessages{newMemRepo()}))

	_, err := s.ListThreadsForUser(context.Background(), convert.Empty())
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServer_RawBadPayloads(t *testing.T) {
	t.Parallel()
	e := startServer(t)
	tok, _, err := e.signer.Issue(uuid.Must(uuid.NewV4()))
	require.NoError(t, err)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return e.lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	stub := api.NewChatSyncClient(cc)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)

	_, err = stub.Invoke(ctx, api.MethodFinalizeMessage, convert.Obj(map[string]*structpb.Value{
		convert.FieldID:         convert.Str(uuid.Must(uuid.NewV4()).String()),
		convert.FieldTokenCount: structpb.NewNumberValue(1.5),
	}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = stub.Invoke(ctx, api.MethodCreateMessage, convert.Obj(map[string]*structpb.Value{
		convert.FieldThreadID: convert.Str(uuid.Must(uuid.NewV4()).String()),
		convert.FieldRole:     convert.Str("tool"),
	}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	t.Parallel()
	cases := map[error]codes.Code{
		errs.ErrInvalidArgument:    codes.InvalidArgument,
		errs.ErrNotFound:           codes.NotFound,
		errs.ErrUnauthorized:       codes.PermissionDenied,
		context.Canceled:           codes.Canceled,
		errs.ErrStorageUnavailable: codes.Internal,
	}
	for in, want := range cases {
		if got := status.Code(toStatus("op", in)); got != want {
			t.Fatalf("%v: want %s, got %s", in, want, got)
		}
	}
}

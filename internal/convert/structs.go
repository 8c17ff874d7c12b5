// Package convert maps domain types to and from the structpb payloads used on the wire.
package convert

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
)

// Field names shared by client and server.
const (
	FieldID          = "id"
	FieldUserID      = "user_id"
	FieldThreadID    = "thread_id"
	FieldTitle       = "title"
	FieldRole        = "role"
	FieldContent     = "content"
	FieldChunk       = "chunk"
	FieldModel       = "model"
	FieldIsStreaming = "is_streaming"
	FieldTokenCount  = "token_count"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldLastMessage = "last_message_at"
	FieldThreads     = "threads"
	FieldMessages    = "messages"
)

// --- helpers ---

// Empty returns an empty payload.
func Empty() *structpb.Struct { return &structpb.Struct{Fields: map[string]*structpb.Value{}} }

// Obj builds a payload from prepared values.
func Obj(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

// Str wraps a string value.
func Str(v string) *structpb.Value { return structpb.NewStringValue(v) }

// Millis encodes t as unix milliseconds; the zero time becomes null.
func Millis(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(float64(t.UnixMilli()))
}

// OptInt encodes an optional integer; nil becomes null.
func OptInt(v *int) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(float64(*v))
}

func field(s *structpb.Struct, key string) (*structpb.Value, bool) {
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

// String returns the string at key or "".
func String(s *structpb.Struct, key string) string {
	v, _ := field(s, key)
	return v.GetStringValue()
}

// RequireString returns the non-empty string at key.
func RequireString(s *structpb.Struct, key string) (string, error) {
	v := String(s, key)
	if v == "" {
		return "", fmt.Errorf("%w: missing %s", errs.ErrInvalidArgument, key)
	}
	return v, nil
}

// Bool returns the bool at key or false.
func Bool(s *structpb.Struct, key string) bool {
	v, _ := field(s, key)
	return v.GetBoolValue()
}

// Time decodes unix milliseconds at key; absent or null gives the zero time.
func Time(s *structpb.Struct, key string) time.Time {
	v, ok := field(s, key)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(int64(v.GetNumberValue())).UTC()
}

// Int decodes an optional integer at key.
func Int(s *structpb.Struct, key string) (*int, error) {
	v, ok := field(s, key)
	if !ok {
		return nil, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
		return nil, fmt.Errorf("%w: %s must be an integer", errs.ErrInvalidArgument, key)
	}
	i := int(n.NumberValue)
	return &i, nil
}

// --- Thread ---

// ThreadToStruct encodes a thread.
func ThreadToStruct(t model.Thread) *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldID:        Str(t.ID),
		FieldUserID:    Str(t.UserID),
		FieldTitle:     Str(t.Title),
		FieldCreatedAt: Millis(t.CreatedAt),
		FieldUpdatedAt: Millis(t.UpdatedAt),
	}
	if t.LastMessageAt != nil {
		fields[FieldLastMessage] = Millis(*t.LastMessageAt)
	}
	return Obj(fields)
}

// ThreadFromStruct decodes a thread; id and user_id are required.
func ThreadFromStruct(s *structpb.Struct) (model.Thread, error) {
	if s == nil {
		return model.Thread{}, fmt.Errorf("%w: nil thread", errs.ErrInvalidArgument)
	}
	id, err := RequireString(s, FieldID)
	if err != nil {
		return model.Thread{}, err
	}
	uid, err := RequireString(s, FieldUserID)
	if err != nil {
		return model.Thread{}, err
	}
	t := model.Thread{
		ID:        id,
		UserID:    uid,
		Title:     String(s, FieldTitle),
		CreatedAt: Time(s, FieldCreatedAt),
		UpdatedAt: Time(s, FieldUpdatedAt),
	}
	if lm := Time(s, FieldLastMessage); !lm.IsZero() {
		t.LastMessageAt = &lm
	}
	return t, nil
}

// ThreadsToStruct encodes a thread list as {"threads": [...]}.
func ThreadsToStruct(ts []model.Thread) *structpb.Struct {
	vals := make([]*structpb.Value, 0, len(ts))
	for _, t := range ts {
		vals = append(vals, structpb.NewStructValue(ThreadToStruct(t)))
	}
	return Obj(map[string]*structpb.Value{FieldThreads: structpb.NewListValue(&structpb.ListValue{Values: vals})})
}

// ThreadsFromStruct decodes {"threads": [...]}.
func ThreadsFromStruct(s *structpb.Struct) ([]model.Thread, error) {
	v, _ := field(s, FieldThreads)
	items := v.GetListValue().GetValues()
	out := make([]model.Thread, 0, len(items))
	for i, it := range items {
		t, err := ThreadFromStruct(it.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("thread[%d]: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// --- Message ---

// MessageToStruct encodes a message.
func MessageToStruct(m model.Message) *structpb.Struct {
	return Obj(map[string]*structpb.Value{
		FieldID:          Str(m.ID),
		FieldThreadID:    Str(m.ThreadID),
		FieldUserID:      Str(m.UserID),
		FieldRole:        Str(string(m.Role)),
		FieldContent:     Str(m.Content),
		FieldModel:       Str(m.Model),
		FieldIsStreaming: structpb.NewBoolValue(m.IsStreaming),
		FieldTokenCount:  OptInt(m.TokenCount),
		FieldCreatedAt:   Millis(m.CreatedAt),
		FieldUpdatedAt:   Millis(m.UpdatedAt),
	})
}

// MessageFromStruct decodes a message; id, thread_id and a valid role are required.
func MessageFromStruct(s *structpb.Struct) (model.Message, error) {
	if s == nil {
		return model.Message{}, fmt.Errorf("%w: nil message", errs.ErrInvalidArgument)
	}
	id, err := RequireString(s, FieldID)
	if err != nil {
		return model.Message{}, err
	}
	tid, err := RequireString(s, FieldThreadID)
	if err != nil {
		return model.Message{}, err
	}
	role, err := model.ParseRole(String(s, FieldRole))
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	tokens, err := Int(s, FieldTokenCount)
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		ID:          id,
		ThreadID:    tid,
		UserID:      String(s, FieldUserID),
		Role:        role,
		Content:     String(s, FieldContent),
		Model:       String(s, FieldModel),
		IsStreaming: Bool(s, FieldIsStreaming),
		TokenCount:  tokens,
		CreatedAt:   Time(s, FieldCreatedAt),
		UpdatedAt:   Time(s, FieldUpdatedAt),
	}, nil
}

// MessagesToStruct encodes a message list as {"messages": [...]}.
func MessagesToStruct(ms []model.Message) *structpb.Struct {
	vals := make([]*structpb.Value, 0, len(ms))
	for _, m := range ms {
		vals = append(vals, structpb.NewStructValue(MessageToStruct(m)))
	}
	return Obj(map[string]*structpb.Value{FieldMessages: structpb.NewListValue(&structpb.ListValue{Values: vals})})
}

// MessagesFromStruct decodes {"messages": [...]}.
func MessagesFromStruct(s *structpb.Struct) ([]model.Message, error) {
	v, _ := field(s, FieldMessages)
	items := v.GetListValue().GetValues()
	out := make([]model.Message, 0, len(items))
	for i, it := range items {
		m, err := MessageFromStruct(it.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// --- NewMessage ---

// NewMessageToStruct encodes a create-message request.
func NewMessageToStruct(nm model.NewMessage) *structpb.Struct {
	return Obj(map[string]*structpb.Value{
		FieldThreadID:    Str(nm.ThreadID),
		FieldUserID:      Str(nm.OwnerID),
		FieldRole:        Str(string(nm.Role)),
		FieldContent:     Str(nm.Content),
		FieldModel:       Str(nm.Model),
		FieldIsStreaming: structpb.NewBoolValue(nm.IsStreaming),
		FieldTokenCount:  OptInt(nm.TokenCount),
	})
}

// NewMessageFromStruct decodes a create-message request.
func NewMessageFromStruct(s *structpb.Struct) (model.NewMessage, error) {
	tid, err := RequireString(s, FieldThreadID)
	if err != nil {
		return model.NewMessage{}, err
	}
	role, err := model.ParseRole(String(s, FieldRole))
	if err != nil {
		return model.NewMessage{}, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	tokens, err := Int(s, FieldTokenCount)
	if err != nil {
		return model.NewMessage{}, err
	}
	return model.NewMessage{
		ThreadID:    tid,
		OwnerID:     String(s, FieldUserID),
		Role:        role,
		Content:     String(s, FieldContent),
		Model:       String(s, FieldModel),
		IsStreaming: Bool(s, FieldIsStreaming),
		TokenCount:  tokens,
	}, nil
}

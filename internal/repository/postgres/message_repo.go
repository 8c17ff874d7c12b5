package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
)

// MessageRepo implements repository.MessageRepository.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Insert adds a message and bumps the thread's updated_at in one transaction.
func (r *MessageRepo) Insert(
	ctx context.Context, id, userID, threadID uuid.UUID, nm model.NewMessage,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT user_id FROM threads WHERE id=$1 FOR UPDATE`
	const ins = `
INSERT INTO messages (id, thread_id, user_id, role, content, model, token_count, is_streaming)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	const touch = `UPDATE threads SET updated_at=now() WHERE id=$1`

	var owner uuid.UUID
	if err = tx.QueryRow(ctx, sel, threadID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if owner != userID {
		return errs.ErrUnauthorized
	}
	if _, err = tx.Exec(ctx, ins, id, threadID, userID, string(nm.Role), nm.Content, nm.Model, nm.TokenCount, nm.IsStreaming); err != nil {
		return classify(err, "message "+id.String())
	}
	_, err = tx.Exec(ctx, touch, threadID)
	return err
}

// AppendChunk appends chunk to the content of a message of userID.
func (r *MessageRepo) AppendChunk(ctx context.Context, userID, id uuid.UUID, chunk string) error {
	const q = `UPDATE messages SET content=content || $3, updated_at=now() WHERE id=$1 AND user_id=$2`
	return r.execOne(ctx, q, id, userID, chunk)
}

// Finalize marks a message as complete.
func (r *MessageRepo) Finalize(ctx context.Context, userID, id uuid.UUID, tokenCount *int) error {
	const q = `UPDATE messages SET is_streaming=false, token_count=$3, updated_at=now() WHERE id=$1 AND user_id=$2`
	return r.execOne(ctx, q, id, userID, tokenCount)
}

func (r *MessageRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListByThread returns the messages of a thread owned by userID, oldest first.
func (r *MessageRepo) ListByThread(ctx context.Context, userID, threadID uuid.UUID) ([]model.Message, error) {
	const q = `
SELECT id, role, content, model, token_count, is_streaming, created_at, updated_at
FROM messages
WHERE thread_id=$1 AND user_id=$2
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, threadID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var (
			id        uuid.UUID
			role      string
			content   string
			modelName string
			tokens    *int
			streaming bool
			created   time.Time
			updated   time.Time
		)
		if err := rows.Scan(&id, &role, &content, &modelName, &tokens, &streaming, &created, &updated); err != nil {
			return nil, err
		}
		out = append(out, model.Message{
			ID:          id.String(),
			ThreadID:    threadID.String(),
			UserID:      userID.String(),
			Role:        model.Role(role),
			Content:     content,
			Model:       modelName,
			TokenCount:  tokens,
			IsStreaming: streaming,
			CreatedAt:   created,
			UpdatedAt:   updated,
		})
	}
	return out, rows.Err()
}

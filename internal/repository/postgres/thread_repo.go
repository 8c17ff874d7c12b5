package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
)

// ThreadRepo implements repository.ThreadRepository.
type ThreadRepo struct{ db *DB }

// NewThreadRepo constructs a thread repository.
func NewThreadRepo(db *DB) *ThreadRepo { return &ThreadRepo{db: db} }

// Insert creates a thread owned by userID.
func (r *ThreadRepo) Insert(ctx context.Context, id, userID uuid.UUID, title string) error {
	const q = `INSERT INTO threads (id, user_id, title) VALUES ($1,$2,$3)`
	if _, err := r.db.Pool.Exec(ctx, q, id, userID, title); err != nil {
		return classify(err, "thread "+id.String())
	}
	return nil
}

// Delete removes a thread of userID; its messages go with it.
func (r *ThreadRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	const q = `DELETE FROM threads WHERE id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListByUser returns the threads of userID with the time of their newest message.
func (r *ThreadRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Thread, error) {
	const q = `
SELECT t.id, t.title, t.created_at, t.updated_at, MAX(m.created_at)
FROM threads t
LEFT JOIN messages m ON m.thread_id = t.id
WHERE t.user_id=$1
GROUP BY t.id
ORDER BY t.updated_at DESC, t.id`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Thread{}
	for rows.Next() {
		var (
			id      uuid.UUID
			title   string
			created time.Time
			updated time.Time
			lastMsg *time.Time
		)
		if err := rows.Scan(&id, &title, &created, &updated, &lastMsg); err != nil {
			return nil, err
		}
		out = append(out, model.Thread{
			ID:            id.String(),
			UserID:        userID.String(),
			Title:         title,
			CreatedAt:     created,
			UpdatedAt:     updated,
			LastMessageAt: lastMsg,
		})
	}
	return out, rows.Err()
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"folio/server/site/domain"
)

type ContactRepository struct {
	pool *pgxpool.Pool
}

func NewContactRepository(pool *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{pool: pool}
}

func (r *ContactRepository) Create(ctx context.Context, msg domain.ContactMessage) (domain.ContactMessage, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO contact_messages(name, email, message)
		VALUES($1, $2, $3)
		RETURNING id::text, created_at
	`, msg.Name, msg.Email, msg.Message).Scan(&msg.ID, &msg.CreatedAt)
	return msg, err
}

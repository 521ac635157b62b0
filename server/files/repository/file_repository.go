package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"folio/server/files/domain"
)

var (
	ErrNotFound           = errors.New("file record not found")
	ErrCollectionMismatch = errors.New("record visibility does not match collection")
)

const fileColumns = `id::text, name, description, visibility, storage_path, url, thumbnail_path, thumbnail_url, content_type, size_bytes, owner_id, created_at`

// FileRepository stores file metadata in Postgres. A collection path is kept
// as a plain column so public and per-owner private lists share one table.
type FileRepository struct {
	pool *pgxpool.Pool
}

func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

// Create inserts rec into collection. The id and created_at are assigned by
// the database and returned on the record.
func (r *FileRepository) Create(ctx context.Context, collection string, rec domain.FileRecord) (domain.FileRecord, error) {
	vis, err := domain.CollectionVisibility(collection)
	if err != nil {
		return rec, err
	}
	if vis != rec.Visibility {
		return rec, fmt.Errorf("%w: %s in %s", ErrCollectionMismatch, rec.Visibility, collection)
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO uploaded_files(collection, name, description, visibility, storage_path, url, thumbnail_path, thumbnail_url, content_type, size_bytes, owner_id)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id::text, created_at
	`, collection, rec.Name, rec.Description, string(rec.Visibility), rec.StoragePath, rec.URL, rec.ThumbnailPath, rec.ThumbnailURL, rec.ContentType, rec.SizeBytes, rec.OwnerID).Scan(&rec.ID, &rec.CreatedAt)
	return rec, err
}

func (r *FileRepository) Get(ctx context.Context, collection, id string) (domain.FileRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.FileRecord{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM uploaded_files WHERE collection=$1 AND id=$2::uuid`, collection, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FileRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns every record of collection, newest first. Records without a
// timestamp come last.
func (r *FileRepository) List(ctx context.Context, collection string) ([]domain.FileRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+fileColumns+`
		FROM uploaded_files
		WHERE collection=$1
		ORDER BY created_at DESC NULLS LAST
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.FileRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *FileRepository) Delete(ctx context.Context, collection, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM uploaded_files WHERE collection=$1 AND id=$2::uuid`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (domain.FileRecord, error) {
	var (
		rec domain.FileRecord
		vis string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &vis, &rec.StoragePath, &rec.URL, &rec.ThumbnailPath, &rec.ThumbnailURL, &rec.ContentType, &rec.SizeBytes, &rec.OwnerID, &rec.CreatedAt)
	rec.Visibility = domain.Visibility(vis)
	return rec, err
}

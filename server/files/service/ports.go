package service

import (
	"context"
	"io"
	"time"

	"folio/server/files/domain"
)

// ObjectStore holds uploaded payloads at caller-chosen paths.
type ObjectStore interface {
	Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	URL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// RecordStore holds file metadata grouped by collection path.
type RecordStore interface {
	Create(ctx context.Context, collection string, rec domain.FileRecord) (domain.FileRecord, error)
	Get(ctx context.Context, collection, id string) (domain.FileRecord, error)
	List(ctx context.Context, collection string) ([]domain.FileRecord, error)
	Delete(ctx context.Context, collection, id string) error
}

type ChangeNotifier interface {
	Notify(ctx context.Context, collection string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// SubmitGate admits at most one holder per key until Release or ttl.
type SubmitGate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}

const (
	EventFileUploaded = "file.uploaded"
	EventFileDeleted  = "file.deleted"
)

// FileEvent is the payload published for file.uploaded and file.deleted.
type FileEvent struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Visibility domain.Visibility `json:"visibility"`
	OwnerID    string            `json:"owner_id"`
	Collection string            `json:"collection"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func newFileEvent(rec domain.FileRecord, at time.Time) FileEvent {
	return FileEvent{
		ID:         rec.ID,
		Name:       rec.Name,
		Visibility: rec.Visibility,
		OwnerID:    rec.OwnerID,
		Collection: domain.CollectionFor(rec.Visibility, rec.OwnerID),
		OccurredAt: at.UTC(),
	}
}

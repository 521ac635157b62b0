package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonlog "folio/server/common/log"
	"folio/server/files/domain"
	"folio/server/files/repository"
)

var deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "folio_deletes_total",
	Help: "Delete attempts, by result.",
}, []string{"result"})

var (
	ErrNotOwner = errors.New("file is owned by another subject")
	ErrNotFound = errors.New("file not found")
)

type DetailService struct {
	objects  ObjectStore
	records  RecordStore
	notifier ChangeNotifier
	events   EventPublisher
	now      func() time.Time
}

func NewDetailService(objects ObjectStore, records RecordStore, notifier ChangeNotifier, events EventPublisher) *DetailService {
	return &DetailService{objects: objects, records: records, notifier: notifier, events: events, now: time.Now}
}

// Detail loads one record as seen by subjectID. Private records are only
// looked up in the subject's own collection.
func (s *DetailService) Detail(ctx context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileDetail, error) {
	rec, err := s.lookup(ctx, subjectID, vis, id)
	if err != nil {
		return domain.FileDetail{}, err
	}
	return domain.NewFileDetail(rec, subjectID), nil
}

// Content opens the stored payload of a record visible to subjectID.
func (s *DetailService) Content(ctx context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileRecord, io.ReadCloser, error) {
	rec, err := s.lookup(ctx, subjectID, vis, id)
	if err != nil {
		return domain.FileRecord{}, nil, err
	}
	body, err := s.objects.Get(ctx, rec.StoragePath)
	if err != nil {
		return domain.FileRecord{}, nil, err
	}
	return rec, body, nil
}

// DeleteByID looks the record up and deletes it when subjectID owns it.
func (s *DetailService) DeleteByID(ctx context.Context, subjectID string, vis domain.Visibility, id string) error {
	rec, err := s.lookup(ctx, subjectID, vis, id)
	if err != nil {
		return err
	}
	return s.Delete(ctx, subjectID, rec)
}

// Delete removes the object and then the record. An object store failure
// aborts before the record is touched. Thumbnails are removed best effort.
func (s *DetailService) Delete(ctx context.Context, subjectID string, rec domain.FileRecord) error {
	if !rec.OwnedBy(subjectID) {
		deletesTotal.WithLabelValues("refused").Inc()
		return ErrNotOwner
	}
	collection := domain.CollectionFor(rec.Visibility, rec.OwnerID)

	if err := s.objects.Delete(ctx, rec.StoragePath); err != nil {
		deletesTotal.WithLabelValues("failed").Inc()
		commonlog.Errorf("event=files_delete action=delete_object status=failed subject_id=%s file_id=%s storage_path=%s error=%v", subjectID, rec.ID, rec.StoragePath, err)
		return &StepError{Step: StepObject, Err: err}
	}
	if rec.ThumbnailPath != "" {
		if err := s.objects.Delete(ctx, rec.ThumbnailPath); err != nil {
			commonlog.Warnf("event=files_delete action=delete_thumbnail status=failed file_id=%s storage_path=%s error=%v", rec.ID, rec.ThumbnailPath, err)
		}
	}
	if err := s.records.Delete(ctx, collection, rec.ID); err != nil {
		deletesTotal.WithLabelValues("failed").Inc()
		commonlog.Errorf("event=files_delete action=delete_record status=failed subject_id=%s file_id=%s collection=%s error=%v", subjectID, rec.ID, collection, err)
		return &StepError{Step: StepRecord, Err: err}
	}
	deletesTotal.WithLabelValues("ok").Inc()
	commonlog.Infof("event=files_delete action=delete status=ok subject_id=%s file_id=%s collection=%s", subjectID, rec.ID, collection)

	if err := s.notifier.Notify(ctx, collection); err != nil {
		commonlog.Warnf("event=files_feed action=notify status=failed collection=%s error=%v", collection, err)
	}
	if err := s.events.Publish(ctx, EventFileDeleted, newFileEvent(rec, s.now())); err != nil {
		commonlog.Warnf("event=files_event action=publish status=failed key=%s file_id=%s error=%v", EventFileDeleted, rec.ID, err)
	}
	return nil
}

// List reads both collections visible to subjectID.
func (s *DetailService) List(ctx context.Context, subjectID string) (publicFiles, privateFiles []domain.FileRecord, err error) {
	publicFiles, err = s.records.List(ctx, domain.PublicCollection)
	if err != nil {
		return nil, nil, err
	}
	privateFiles, err = s.records.List(ctx, domain.PrivateCollection(subjectID))
	if err != nil {
		return nil, nil, err
	}
	return publicFiles, privateFiles, nil
}

func (s *DetailService) lookup(ctx context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileRecord, error) {
	rec, err := s.records.Get(ctx, domain.CollectionFor(vis, subjectID), id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.FileRecord{}, ErrNotFound
	}
	return rec, err
}

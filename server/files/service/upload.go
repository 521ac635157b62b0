package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonlog "folio/server/common/log"
	"folio/server/files/domain"
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "folio_uploads_total",
	Help: "Upload attempts, by result.",
}, []string{"result"})

const uploadGateTTL = 5 * time.Minute

var (
	ErrNoSubject      = errors.New("no signed-in subject")
	ErrNoFile         = errors.New("no file selected")
	ErrUploadInFlight = errors.New("upload already in progress")
)

const (
	StepObject = "object"
	StepRecord = "record"
)

// StepError reports which half of a two-step write failed. A record step
// failure leaves the already written object in place.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + " step: " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

const (
	StatusSignInRequired = "Please sign in before uploading."
	StatusSelectFile     = "Please select a file to upload."
	StatusUploadInFlight = "An upload is already in progress."
	StatusObjectFailed   = "Upload failed while storing the file. Please try again."
	StatusRecordFailed   = "Upload failed while saving the file details. Please try again."
	StatusUploadFailed   = "Upload failed. Please try again."
	StatusUploaded       = "Upload complete."
)

// StatusText converts an upload error into the message shown to the user.
func StatusText(err error) string {
	if err == nil {
		return StatusUploaded
	}
	var stepErr *StepError
	switch {
	case errors.Is(err, ErrNoSubject):
		return StatusSignInRequired
	case errors.Is(err, ErrNoFile):
		return StatusSelectFile
	case errors.Is(err, ErrUploadInFlight):
		return StatusUploadInFlight
	case errors.As(err, &stepErr) && stepErr.Step == StepObject:
		return StatusObjectFailed
	case errors.As(err, &stepErr) && stepErr.Step == StepRecord:
		return StatusRecordFailed
	default:
		return StatusUploadFailed
	}
}

type UploadInput struct {
	SubjectID    string
	OriginalName string
	Name         string
	Description  string
	Visibility   domain.Visibility
	ContentType  string
	// Body is nil when no file was selected.
	Body io.Reader
}

type UploadService struct {
	objects  ObjectStore
	records  RecordStore
	notifier ChangeNotifier
	events   EventPublisher
	gate     SubmitGate
	now      func() time.Time
}

func NewUploadService(objects ObjectStore, records RecordStore, notifier ChangeNotifier, events EventPublisher, gate SubmitGate) *UploadService {
	return &UploadService{
		objects:  objects,
		records:  records,
		notifier: notifier,
		events:   events,
		gate:     gate,
		now:      time.Now,
	}
}

// objectPath is images/{subject}/{unixMillis}_{baseName}.
func objectPath(subjectID string, at time.Time, originalName string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(originalName), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return "images/" + subjectID + "/" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + base
}

// Upload writes the payload to the object store and then the record pointing
// at it. Nothing is written when the subject or payload is missing.
func (s *UploadService) Upload(ctx context.Context, in UploadInput) (domain.FileRecord, error) {
	if strings.TrimSpace(in.SubjectID) == "" {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return domain.FileRecord{}, ErrNoSubject
	}
	if in.Body == nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return domain.FileRecord{}, ErrNoFile
	}
	if _, err := domain.ParseVisibility(string(in.Visibility)); err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return domain.FileRecord{}, err
	}

	gateKey := "upload:" + in.SubjectID
	ok, err := s.gate.Acquire(ctx, gateKey, uploadGateTTL)
	if err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		return domain.FileRecord{}, fmt.Errorf("acquire upload gate: %w", err)
	}
	if !ok {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return domain.FileRecord{}, ErrUploadInFlight
	}
	defer s.gate.Release(context.WithoutCancel(ctx), gateKey)

	startedAt := time.Now()
	rec, err := s.write(ctx, in)
	if err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		commonlog.Errorf("event=files_upload action=create status=failed subject_id=%s visibility=%s latency_ms=%d error=%v", in.SubjectID, in.Visibility, time.Since(startedAt).Milliseconds(), err)
		return domain.FileRecord{}, err
	}
	uploadsTotal.WithLabelValues("ok").Inc()
	commonlog.Infof("event=files_upload action=create status=ok subject_id=%s file_id=%s visibility=%s size_bytes=%d latency_ms=%d", in.SubjectID, rec.ID, rec.Visibility, rec.SizeBytes, time.Since(startedAt).Milliseconds())

	collection := domain.CollectionFor(rec.Visibility, rec.OwnerID)
	if err := s.notifier.Notify(ctx, collection); err != nil {
		commonlog.Warnf("event=files_feed action=notify status=failed collection=%s error=%v", collection, err)
	}
	if err := s.events.Publish(ctx, EventFileUploaded, newFileEvent(rec, s.now())); err != nil {
		commonlog.Warnf("event=files_event action=publish status=failed key=%s file_id=%s error=%v", EventFileUploaded, rec.ID, err)
	}
	return rec, nil
}

func (s *UploadService) write(ctx context.Context, in UploadInput) (domain.FileRecord, error) {
	payload, err := io.ReadAll(in.Body)
	if err != nil {
		return domain.FileRecord{}, &StepError{Step: StepObject, Err: fmt.Errorf("read payload: %w", err)}
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storagePath := objectPath(in.SubjectID, s.now(), in.OriginalName)
	if err := s.objects.Put(ctx, storagePath, bytes.NewReader(payload), int64(len(payload)), contentType); err != nil {
		return domain.FileRecord{}, &StepError{Step: StepObject, Err: err}
	}
	url, err := s.objects.URL(ctx, storagePath)
	if err != nil {
		return domain.FileRecord{}, &StepError{Step: StepObject, Err: err}
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = path.Base(strings.ReplaceAll(in.OriginalName, "\\", "/"))
	}
	rec := domain.FileRecord{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Visibility:  in.Visibility,
		StoragePath: storagePath,
		URL:         url,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		OwnerID:     in.SubjectID,
	}
	if isImage(contentType) {
		s.attachThumbnail(ctx, &rec, payload)
	}

	created, err := s.records.Create(ctx, domain.CollectionFor(rec.Visibility, rec.OwnerID), rec)
	if err != nil {
		commonlog.Warnf("event=files_upload action=orphan_object subject_id=%s storage_path=%s", in.SubjectID, storagePath)
		return domain.FileRecord{}, &StepError{Step: StepRecord, Err: err}
	}
	return created, nil
}

// attachThumbnail is best effort; a failure leaves the record without one.
func (s *UploadService) attachThumbnail(ctx context.Context, rec *domain.FileRecord, payload []byte) {
	thumb, err := makeThumbnail(bytes.NewReader(payload))
	if err != nil {
		commonlog.Debugf("event=files_thumbnail action=create status=skipped storage_path=%s error=%v", rec.StoragePath, err)
		return
	}
	thumbPath := thumbnailPath(rec.StoragePath)
	if err := s.objects.Put(ctx, thumbPath, bytes.NewReader(thumb), int64(len(thumb)), "image/jpeg"); err != nil {
		commonlog.Warnf("event=files_thumbnail action=create status=failed storage_path=%s error=%v", thumbPath, err)
		return
	}
	thumbURL, err := s.objects.URL(ctx, thumbPath)
	if err != nil {
		commonlog.Warnf("event=files_thumbnail action=url status=failed storage_path=%s error=%v", thumbPath, err)
		return
	}
	rec.ThumbnailPath = thumbPath
	rec.ThumbnailURL = thumbURL
}

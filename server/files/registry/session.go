package registry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonlog "folio/server/common/log"
	"folio/server/files/domain"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folio_registry_sessions",
		Help: "Live file list sessions.",
	})
	feedErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_registry_feed_errors_total",
		Help: "Errors reported by file feeds, by feed.",
	}, []string{"feed"})
)

const (
	MessageView         = "files.view"
	MessageDetail       = "files.detail"
	MessageDetailClosed = "files.detail_closed"
	MessageStatus       = "files.status"
)

const (
	StatusNotFound     = "File not found."
	StatusDeleting     = "Deleting..."
	StatusDeleted      = "File deleted."
	StatusDeleteFailed = "Delete failed. The file was kept."
	StatusFeedDegraded = "Live updates interrupted, reconnecting."
)

// Message is what a session pushes to its client.
type Message struct {
	Type   string             `json:"type"`
	View   *View              `json:"view,omitempty"`
	Detail *domain.FileDetail `json:"detail,omitempty"`
	Status string             `json:"status,omitempty"`
}

// Sink receives every message of a session, always from the session's own
// goroutine.
type Sink func(Message)

// FeedSource delivers full snapshots of a collection until stop is called or
// ctx ends.
type FeedSource interface {
	Subscribe(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord), onError func(error)) (stop func())
}

type Deleter interface {
	Delete(ctx context.Context, subjectID string, record domain.FileRecord) error
}

// Session is the view state of one signed-in subject: both feed
// subscriptions, the reconciler, and the record currently open in the detail
// view. All state changes run on a single goroutine, so recompute never runs
// concurrently with itself whatever order feed updates and user actions
// arrive in.
type Session struct {
	subjectID  string
	feeds      FeedSource
	deleter    Deleter
	sink       Sink
	reconciler *Reconciler

	events    chan func()
	done      chan struct{}
	cancel    context.CancelFunc
	stops     []func()
	closeOnce sync.Once

	// Owned by the loop goroutine.
	viewing  *domain.FileRecord
	deleting bool
}

func NewSession(subjectID string, feeds FeedSource, deleter Deleter, sink Sink, opts Options) *Session {
	return &Session{
		subjectID:  subjectID,
		feeds:      feeds,
		deleter:    deleter,
		sink:       sink,
		reconciler: NewReconciler(subjectID, opts),
		events:     make(chan func(), 64),
		done:       make(chan struct{}),
	}
}

func (s *Session) SubjectID() string { return s.subjectID }

// Start subscribes both feeds and runs the event loop until ctx ends or
// Close is called.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	activeSessions.Inc()
	go s.run(ctx)

	s.post(s.render)
	s.stops = append(s.stops,
		s.feeds.Subscribe(ctx, domain.PublicCollection, func(records []domain.FileRecord) {
			s.post(func() {
				s.reconciler.SetPublicFiles(records)
				s.render()
			})
		}, s.feedError("public")),
		s.feeds.Subscribe(ctx, domain.PrivateCollection(s.subjectID), func(records []domain.FileRecord) {
			s.post(func() {
				s.reconciler.SetPrivateFiles(records)
				s.render()
			})
		}, s.feedError("private")),
	)
	commonlog.Infof("event=files_session action=start subject_id=%s", s.subjectID)
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, stop := range s.stops {
			stop()
		}
		commonlog.Infof("event=files_session action=close subject_id=%s", s.subjectID)
	})
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) SetFilter(filter domain.Filter) {
	s.post(func() {
		s.reconciler.SetFilter(filter)
		s.render()
	})
}

func (s *Session) SetSort(order domain.SortOrder) {
	s.post(func() {
		s.reconciler.SetSort(order)
		s.render()
	})
}

// OpenDetail shows a record from the current snapshots.
func (s *Session) OpenDetail(id string) {
	s.post(func() {
		record, ok := s.reconciler.Find(id)
		if !ok {
			s.sink(Message{Type: MessageStatus, Status: StatusNotFound})
			return
		}
		s.viewing = &record
		detail := domain.NewFileDetail(record, s.subjectID)
		s.sink(Message{Type: MessageDetail, Detail: &detail})
	})
}

func (s *Session) CloseDetail() {
	s.post(func() {
		s.viewing = nil
		s.sink(Message{Type: MessageDetailClosed})
	})
}

// DeleteViewed deletes the record open in the detail view. It does nothing
// when no record is open, the subject does not own it, or a delete is
// already outstanding. An accepted delete runs to completion even if ctx is
// canceled afterwards.
func (s *Session) DeleteViewed(ctx context.Context) {
	s.post(func() {
		if s.viewing == nil || s.deleting {
			return
		}
		record := *s.viewing
		if !record.OwnedBy(s.subjectID) {
			commonlog.Debugf("event=files_session action=delete status=refused subject_id=%s file_id=%s", s.subjectID, record.ID)
			return
		}
		s.deleting = true
		s.sink(Message{Type: MessageStatus, Status: StatusDeleting})
		go func() {
			err := s.deleter.Delete(context.WithoutCancel(ctx), s.subjectID, record)
			s.post(func() { s.finishDelete(record, err) })
		}()
	})
}

func (s *Session) finishDelete(record domain.FileRecord, err error) {
	s.deleting = false
	if err != nil {
		s.sink(Message{Type: MessageStatus, Status: StatusDeleteFailed})
		return
	}
	if s.viewing != nil && s.viewing.ID == record.ID {
		s.viewing = nil
		s.sink(Message{Type: MessageDetailClosed})
	}
	s.sink(Message{Type: MessageStatus, Status: StatusDeleted})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer activeSessions.Dec()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Session) render() {
	view := s.reconciler.Recompute()
	s.sink(Message{Type: MessageView, View: &view})
}

// feedError reports a feed failure without touching the rendered list.
func (s *Session) feedError(feed string) func(error) {
	return func(err error) {
		feedErrorsTotal.WithLabelValues(feed).Inc()
		commonlog.Warnf("event=files_feed action=receive status=failed feed=%s subject_id=%s error=%v", feed, s.subjectID, err)
		s.post(func() {
			s.sink(Message{Type: MessageStatus, Status: StatusFeedDegraded})
		})
	}
}

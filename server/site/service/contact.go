package service

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonlog "folio/server/common/log"
	"folio/server/site/domain"
)

var contactMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "folio_contact_messages_total",
	Help: "Contact form submissions, by result.",
}, []string{"result"})

const EventContactSubmitted = "contact.submitted"

var ErrEmptyMessage = errors.New("name, email and message are required")

type contactStore interface {
	Create(ctx context.Context, msg domain.ContactMessage) (domain.ContactMessage, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type ContactService struct {
	store  contactStore
	events eventPublisher
}

func NewContactService(store contactStore, events eventPublisher) *ContactService {
	return &ContactService{store: store, events: events}
}

// Submit stores the message and then announces it. Announcing is best
// effort; a stored message is never reported as failed.
func (s *ContactService) Submit(ctx context.Context, msg domain.ContactMessage) (domain.ContactMessage, error) {
	msg.Name = strings.TrimSpace(msg.Name)
	msg.Email = strings.TrimSpace(msg.Email)
	msg.Message = strings.TrimSpace(msg.Message)
	if msg.Name == "" || msg.Email == "" || msg.Message == "" {
		contactMessagesTotal.WithLabelValues("rejected").Inc()
		return domain.ContactMessage{}, ErrEmptyMessage
	}

	created, err := s.store.Create(ctx, msg)
	if err != nil {
		contactMessagesTotal.WithLabelValues("failed").Inc()
		commonlog.Errorf("event=contact_message action=create status=failed error=%v", err)
		return domain.ContactMessage{}, err
	}
	contactMessagesTotal.WithLabelValues("ok").Inc()
	commonlog.Infof("event=contact_message action=create status=ok message_id=%s", created.ID)

	if err := s.events.Publish(ctx, EventContactSubmitted, created); err != nil {
		commonlog.Warnf("event=contact_message action=publish status=failed message_id=%s error=%v", created.ID, err)
	}
	return created, nil
}

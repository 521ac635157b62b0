package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	commonlog "folio/server/common/log"
	"folio/server/files/domain"
)

var feedReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "folio_feed_snapshots_total",
	Help: "Collection snapshots read for live feeds, by result.",
}, []string{"result"})

const (
	feedInitialInterval = 500 * time.Millisecond
	feedMaxInterval     = 30 * time.Second
)

type recordLister interface {
	List(ctx context.Context, collection string) ([]domain.FileRecord, error)
}

// Feed turns change notices into full collection snapshots. Notices travel
// over Redis pub/sub when a client is configured so that every replica sees
// them; otherwise they are fanned out in process.
type Feed struct {
	records recordLister
	redis   *redis.Client

	mu    sync.Mutex
	local map[string]map[chan struct{}]struct{}
}

func NewFeed(records recordLister, redisClient *redis.Client) *Feed {
	return &Feed{
		records: records,
		redis:   redisClient,
		local:   map[string]map[chan struct{}]struct{}{},
	}
}

func changeChannel(collection string) string {
	return "files:changed:" + collection
}

// Notify tells every subscriber of collection to reload.
func (f *Feed) Notify(ctx context.Context, collection string) error {
	if f.redis != nil {
		return f.redis.Publish(ctx, changeChannel(collection), "changed").Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for notices := range f.local[collection] {
		select {
		case notices <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe delivers a snapshot of collection now and after every change
// notice. Failures are passed to onError and the subscription is re-established
// with exponential backoff until stop is called or ctx ends.
func (f *Feed) Subscribe(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord), onError func(error)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.watch(ctx, collection, onSnapshot, onError)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (f *Feed) watch(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord), onError func(error)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = feedInitialInterval
	b.MaxInterval = feedMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		var err error
		if f.redis != nil {
			err = f.followRedis(ctx, collection, onSnapshot, b.Reset)
		} else {
			err = f.followLocal(ctx, collection, onSnapshot, b.Reset)
		}
		if ctx.Err() != nil {
			return
		}
		onError(err)
		wait := b.NextBackOff()
		commonlog.Debugf("event=files_feed action=reconnect collection=%s wait_ms=%d", collection, wait.Milliseconds())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (f *Feed) followRedis(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord), connected func()) error {
	pubsub := f.redis.Subscribe(ctx, changeChannel(collection))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if err := f.load(ctx, collection, onSnapshot); err != nil {
		return err
	}
	connected()
	for {
		if _, err := pubsub.ReceiveMessage(ctx); err != nil {
			return err
		}
		if err := f.load(ctx, collection, onSnapshot); err != nil {
			return err
		}
	}
}

func (f *Feed) followLocal(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord), connected func()) error {
	notices := make(chan struct{}, 1)
	f.mu.Lock()
	if f.local[collection] == nil {
		f.local[collection] = map[chan struct{}]struct{}{}
	}
	f.local[collection][notices] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.local[collection], notices)
		if len(f.local[collection]) == 0 {
			delete(f.local, collection)
		}
		f.mu.Unlock()
	}()

	if err := f.load(ctx, collection, onSnapshot); err != nil {
		return err
	}
	connected()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notices:
			if err := f.load(ctx, collection, onSnapshot); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) load(ctx context.Context, collection string, onSnapshot func([]domain.FileRecord)) error {
	records, err := f.records.List(ctx, collection)
	if err != nil {
		feedReloadsTotal.WithLabelValues("failed").Inc()
		return err
	}
	feedReloadsTotal.WithLabelValues("ok").Inc()
	onSnapshot(records)
	return nil
}

package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "realtime:"

// RedisFeed carries change events over redis Pub/Sub, one channel per table.
type RedisFeed struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisFeed(client *redis.Client, log *logrus.Entry) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func ChannelName(table string) string {
	return channelPrefix + table
}

func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, ChannelName(c.Table), payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, table string) (Stream, error) {
	ps := f.client.Subscribe(ctx, ChannelName(table))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	s := &redisStream{ps: ps, ch: make(chan Change, 64), done: make(chan struct{})}
	go s.pump(f.log.WithField("table", table))
	return s, nil
}

type redisStream struct {
	ps   *redis.PubSub
	ch   chan Change
	done chan struct{}
	once sync.Once
}

func (s *redisStream) Changes() <-chan Change { return s.ch }

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisStream) pump(log *logrus.Entry) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Warn("realtime channel closed")
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.WithError(err).Warn("dropping malformed change event")
				continue
			}
			select {
			case s.ch <- c:
			case <-s.done:
				return
			}
		}
	}
}

package gormremote

import (
	"context"
	"time"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

const pollBatch = 500

// Subscribe tails the change log for collection from the current head.
func (s *Store) Subscribe(ctx context.Context, collection string) (*remote.Subscription, error) {
	var head int64
	err := s.db.WithContext(ctx).Model(&changeRow{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&head).Error
	if err != nil {
		return nil, wrapDB("subscribe "+collection, err)
	}

	var sub *remote.Subscription
	sub = remote.NewSubscription(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.tails.Add(1)
	go func() {
		defer s.tails.Done()
		s.tail(sub, collection, head)
	}()
	return sub, nil
}

func (s *Store) tail(sub *remote.Subscription, collection string, after int64) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			return
		default:
		}
		wake := s.wakeChan()
		next, err := s.poll1(sub, collection, after)
		if err != nil {
			s.logger.Warn("change feed failed", "collection", collection, "error", err)
			sub.Fail(model.NewConnectivityError("subscribe "+collection, err))
			return
		}
		if next != after {
			// A full batch may have more behind it.
			after = next
			continue
		}
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// poll1 publishes changes after seq and returns the new high-water mark.
func (s *Store) poll1(sub *remote.Subscription, collection string, after int64) (int64, error) {
	var rows []changeRow
	err := s.db.
		Where("collection = ? AND seq > ?", collection, after).
		Order("seq").
		Limit(pollBatch).
		Find(&rows).Error
	if err != nil {
		return after, err
	}
	for _, row := range rows {
		c, err := row.change()
		if err != nil {
			s.logger.Warn("skipping undecodable change", "collection", collection, "seq", row.Seq, "error", err)
		} else if !sub.Publish(c) {
			return row.Seq, nil
		}
		after = row.Seq
	}
	return after, nil
}

// wakeChan returns a channel closed by the next local commit.
func (s *Store) wakeChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Store) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.wake)
	s.wake = make(chan struct{})
}

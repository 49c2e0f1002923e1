package remote

import "sync"

// Subscription is a live change feed for one collection.
//
// Changes are delivered in the order they were published. The Changes
// channel is closed after Unsubscribe or when the store ends the feed.
type Subscription struct {
	queue   *changeQueue
	out     chan Change
	done    chan struct{}
	once    sync.Once
	onClose func()
	errMu   sync.Mutex
	err     error
}

// NewSubscription starts a subscription. onClose, if non-nil, runs once when
// the subscription ends; stores use it to detach the subscriber.
func NewSubscription(onClose func()) *Subscription {
	s := &Subscription{
		queue:   newChangeQueue(),
		out:     make(chan Change),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		c, ok := s.queue.TryDequeue()
		if !ok {
			select {
			case <-s.done:
				return
			case _, open := <-s.queue.Wait():
				if !open && s.queue.Len() == 0 {
					return
				}
			}
			continue
		}
		select {
		case s.out <- c:
		case <-s.done:
			return
		}
	}
}

// Changes returns the delivery channel.
func (s *Subscription) Changes() <-chan Change {
	return s.out
}

// Publish queues a change for delivery. Returns false after the
// subscription has ended.
func (s *Subscription) Publish(c Change) bool {
	return s.queue.Enqueue(c)
}

// Fail ends the feed with an error visible through Err. Changes already
// queued are still delivered.
func (s *Subscription) Fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.queue.Close()
}

// Err reports why the feed ended, or nil if it was unsubscribed or is live.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Unsubscribe ends the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.queue.Close()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed once Unsubscribe has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/possync/internal/remote"
)

// origins tracks the tokens of this engine's remote writes.
type origins struct {
	mu       sync.Mutex
	session  string
	clock    *Clock
	window   time.Duration
	now      func() time.Time
	inflight map[string]struct{}
	settled  map[string]time.Time
}

func newOrigins(session string, window time.Duration, now func() time.Time) *origins {
	return &origins{
		session:  session,
		clock:    NewClock(),
		window:   window,
		now:      now,
		inflight: make(map[string]struct{}),
		settled:  make(map[string]time.Time),
	}
}

func (o *origins) issue() string {
	token := fmt.Sprintf("%s:%d", o.session, o.clock.Next())
	o.mu.Lock()
	o.inflight[token] = struct{}{}
	o.mu.Unlock()
	return token
}

// settle starts the echo window of a finished write.
func (o *origins) settle(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, token)
	now := o.now()
	o.settled[token] = now.Add(o.window)
	for t, exp := range o.settled {
		if now.After(exp) {
			delete(o.settled, t)
		}
	}
}

// seen reports whether token belongs to one of this engine's writes.
func (o *origins) seen(token string) bool {
	if token == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[token]; ok {
		return true
	}
	exp, ok := o.settled[token]
	if !ok {
		return false
	}
	if o.now().After(exp) {
		delete(o.settled, token)
		return false
	}
	return true
}

func (o *origins) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight) + len(o.settled)
}

// Track tags ctx with a fresh origin token. Remote writes made with the
// returned context are treated as this engine's own when their change
// events come back. Call settle once the write has returned.
func (e *Engine) Track(ctx context.Context) (context.Context, func()) {
	token := e.origins.issue()
	var once sync.Once
	return remote.WithOrigin(ctx, token), func() {
		once.Do(func() { e.origins.settle(token) })
	}
}

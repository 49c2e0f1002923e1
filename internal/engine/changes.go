package engine

import (
	"context"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

// HandleRemoteChange applies one change feed event to the device store.
//
// Events produced by this engine's own writes, events for unknown
// collections and events for records with PENDING queue entries are
// ignored. DELETE removes the local record; INSERT and UPDATE upsert the
// translated document, keeping device-owned fields and fields held by
// pending mutations of other records.
func (e *Engine) HandleRemoteChange(ctx context.Context, ch remote.Change) error {
	if e.closed.Load() {
		return ErrClosed
	}
	c, ok := e.tr.LocalCollection(ch.Collection)
	if !ok {
		e.logger.Debug("change for unknown collection ignored", "collection", ch.Collection)
		return nil
	}
	if e.origins.seen(ch.Origin) {
		e.metrics.EchoSuppressed()
		e.logger.Debug("echo suppressed", "collection", c, "id", ch.ID, "origin", ch.Origin)
		return nil
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	id := ch.ID
	if id == "" {
		id = ch.Doc.ID()
	}
	pending, err := e.queue.HasPending(ctx, c, id)
	if err != nil {
		return err
	}
	if pending {
		e.logger.Debug("change skipped, local mutation pending", "collection", c, "id", id)
		return nil
	}

	if ch.Type == remote.ChangeDelete {
		if err := e.local.Delete(ctx, c, id); err != nil {
			return model.NewLocalStoreError("delete", err)
		}
		e.notify(c, id)
		e.metrics.RemoteApplied(string(c))
		return nil
	}

	rec, err := e.tr.ToLocal(c, ch.Doc)
	if err != nil {
		return err
	}
	held, err := e.held(ctx)
	if err != nil {
		return err
	}
	if err := e.upsertKeeping(ctx, c, rec, held[model.RecordKey(c, id)]); err != nil {
		return err
	}
	e.metrics.RemoteApplied(string(c))
	return nil
}

// subscribeAll attaches one change feed per synced collection and starts
// a forwarder for each into the engine's change channel.
func (e *Engine) subscribeAll(ctx context.Context) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.feedGen++
	gen := e.feedGen
	stop := make(chan struct{})
	subs := make([]*remote.Subscription, 0, len(model.SyncedCollections))
	for _, c := range model.SyncedCollections {
		name, err := e.tr.RemoteCollection(c)
		if err != nil {
			return err
		}
		sub, err := e.remote.Subscribe(ctx, name)
		if err != nil {
			close(stop)
			for _, s := range subs {
				s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		e.fwd.Add(1)
		go e.forward(sub, stop, gen)
	}
	e.subs = subs
	e.feedStop = stop
	e.logger.Debug("change feeds attached", "count", len(subs))
	return nil
}

func (e *Engine) forward(sub *remote.Subscription, stop <-chan struct{}, gen uint64) {
	defer e.fwd.Done()
	for {
		select {
		case <-stop:
			return
		case c, ok := <-sub.Changes():
			if !ok {
				if sub.Err() != nil {
					select {
					case e.feedLost <- gen:
					default:
					}
				}
				return
			}
			select {
			case e.changes <- c:
			case <-stop:
				return
			}
		}
	}
}

// detach unsubscribes every feed and waits for the forwarders to exit.
func (e *Engine) detach() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.feedStop != nil {
		close(e.feedStop)
		e.feedStop = nil
	}
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.fwd.Wait()
	e.subs = nil
}

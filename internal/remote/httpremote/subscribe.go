package httpremote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

const pongWait = 90 * time.Second

// Subscribe opens the server's websocket change feed for collection.
// A dropped connection ends the subscription with a connectivity error;
// the engine resubscribes after its next successful resync.
func (c *Client) Subscribe(ctx context.Context, collection string) (*remote.Subscription, error) {
	op := "subscribe " + collection
	conn, err := c.dial(ctx, collection, false)
	if err != nil {
		if model.IsRejection(err) {
			// The token may have expired between requests.
			conn, err = c.dial(ctx, collection, true)
		}
		if err != nil {
			return nil, err
		}
	}

	sub := remote.NewSubscription(func() { _ = conn.Close() })
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		})
		for {
			var change remote.Change
			if err := conn.ReadJSON(&change); err != nil {
				select {
				case <-sub.Done():
				default:
					c.logger.Warn("change feed dropped", "collection", collection, "error", err)
					sub.Fail(model.NewConnectivityError(op, err))
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if !sub.Publish(change) {
				return
			}
		}
	}()
	return sub, nil
}

func (c *Client) dial(ctx context.Context, collection string, refresh bool) (*websocket.Conn, error) {
	op := "subscribe " + collection
	token, err := c.ensureToken(ctx, refresh)
	if err != nil {
		return nil, err
	}

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/changes"
	u.RawQuery = url.Values{"collection": {collection}}.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, decodeResponse(op, resp, nil)
		}
		return nil, model.NewConnectivityError(op, err)
	}
	return conn, nil
}

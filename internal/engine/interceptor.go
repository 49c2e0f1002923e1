package engine

import (
	"context"

	"github.com/roach88/possync/internal/model"
)

// Applied is a record a remote operation confirmed, in local form, to be
// written back to the device store.
type Applied struct {
	Collection model.Collection
	Record     model.Record
}

// Interceptor takes over pushes that need more than a plain document write,
// such as replaying an offline sale as a stock transaction.
//
// When handled is false the engine performs the default write. Errors are
// classified like remote store errors. The context carries the push's origin
// token, so remote writes made with it are recognized as echoes.
type Interceptor interface {
	InterceptPush(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (handled bool, applied []Applied, err error)
}

// Holder is implemented by interceptors whose queued mutations already
// changed fields of other local records, such as an offline sale that
// decremented product stock on the device. Remote data written locally
// keeps those fields until the mutations are replayed.
type Holder interface {
	// HeldFields returns local field names to keep, by record key.
	HeldFields(pending []model.QueueEntry) map[string][]string
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (bool, []Applied, error)

// InterceptPush calls f.
func (f InterceptorFunc) InterceptPush(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (bool, []Applied, error) {
	return f(ctx, c, op, rec)
}

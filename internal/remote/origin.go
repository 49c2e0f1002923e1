package remote

import "context"

type originKey struct{}

// WithOrigin attaches a local-origin token to writes made with ctx.
func WithOrigin(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, originKey{}, token)
}

// OriginFrom returns the token attached by WithOrigin, or "".
func OriginFrom(ctx context.Context) string {
	token, _ := ctx.Value(originKey{}).(string)
	return token
}

// OriginHeader carries the origin token over HTTP.
const OriginHeader = "X-Origin-Token"
